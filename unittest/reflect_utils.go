package unittest

import (
	"reflect"
)

func funcTakesSelfReturns0(fun reflect.Value) bool {
	funT := fun.Type()
	return funT.NumIn() == 1 && funT.NumOut() == 0
}

func isNil(v interface{}) bool {
	if v == nil {
		return true
	}

	value := reflect.ValueOf(v)
	kind := value.Kind()
	nilable := kind == reflect.Slice || kind == reflect.Chan || kind == reflect.Func || kind == reflect.Ptr || kind == reflect.Map || kind == reflect.Interface
	return nilable && value.IsNil()
}
