package obj

import (
	"testing"

	"github.com/flelang/fle/internal/symkind"
)

func TestValidateRejectsDuplicateNameWithinSameBinding(t *testing.T) {
	cases := []symkind.Binding{symkind.LOCAL, symkind.WEAK, symkind.GLOBAL}
	for _, binding := range cases {
		o := NewObject(TypeObj, "a.fle")
		o.SectionOrCreate(".text")
		o.Symbols = []Symbol{
			{Name: "dup", Binding: binding, Section: ".text", Offset: 0},
			{Name: "dup", Binding: binding, Section: ".text", Offset: 0},
		}
		if err := o.Validate(); err == nil {
			t.Errorf("binding %v: expected duplicate-symbol error, got nil", binding)
		}
	}
}

func TestValidateAllowsSameNameAcrossDifferentBindings(t *testing.T) {
	o := NewObject(TypeObj, "a.fle")
	o.SectionOrCreate(".text")
	o.Symbols = []Symbol{
		{Name: "x", Binding: symkind.WEAK, Section: ".text", Offset: 0},
		{Name: "x", Binding: symkind.LOCAL, Section: ".text", Offset: 0},
	}
	if err := o.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
