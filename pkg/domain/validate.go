package domain

import (
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// recordValidate is the shared validator for record field constraints.
var recordValidate *validator.Validate

func init() {
	recordValidate = validator.New()
	// Decimals are compared as floats so numeric tags such as gte=0 apply.
	recordValidate.RegisterCustomTypeFunc(func(v reflect.Value) any {
		d, ok := v.Interface().(decimal.Decimal)
		if !ok {
			return nil
		}
		f, _ := d.Float64()
		return f
	}, decimal.Decimal{})
}

// ValidateRecord checks a record's field-level constraints.
func ValidateRecord(r Record) error {
	if r == nil {
		return ValidationError{Result: Result{Violations: []Violation{{
			Rule: "record_required", Severity: SeverityBlock, Message: "record is required",
		}}}}
	}
	if err := recordValidate.Struct(r); err != nil {
		return ValidationError{Err: err}
	}
	return nil
}
