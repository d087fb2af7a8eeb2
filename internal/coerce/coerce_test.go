package coerce

import "testing"

func TestCoerceEachType(t *testing.T) {
	schema := Schema{
		"s":   {Type: TypeString},
		"i":   {Type: TypeInteger},
		"n":   {Type: TypeNumber},
		"b":   {Type: TypeBoolean},
		"nil": {Type: TypeNull},
		"arr": {Type: TypeArray},
		"obj": {Type: TypeObject},
	}
	rendered := map[string]string{
		"s":   "hello",
		"i":   "42",
		"n":   "3.14",
		"b":   "TRUE",
		"nil": "",
		"arr": `[1,2,3]`,
		"obj": `{"k":"v"}`,
	}

	out, err := Coerce("node-1", rendered, schema)
	if err != nil {
		t.Fatalf("Coerce: %v", err)
	}
	if out["s"] != "hello" {
		t.Errorf("s = %v", out["s"])
	}
	if out["i"] != int64(42) {
		t.Errorf("i = %v", out["i"])
	}
	if out["n"] != 3.14 {
		t.Errorf("n = %v", out["n"])
	}
	if out["b"] != true {
		t.Errorf("b = %v", out["b"])
	}
	if out["nil"] != nil {
		t.Errorf("nil = %v", out["nil"])
	}
	arr, ok := out["arr"].([]any)
	if !ok || len(arr) != 3 {
		t.Errorf("arr = %v", out["arr"])
	}
	obj, ok := out["obj"].(map[string]any)
	if !ok || obj["k"] != "v" {
		t.Errorf("obj = %v", out["obj"])
	}
}

func TestCoerceRequiredFieldMissing(t *testing.T) {
	schema := Schema{"x": {Type: TypeInteger, Required: true}}
	_, err := Coerce("node-1", map[string]string{}, schema)
	if err == nil {
		t.Fatal("expected an InputResolution error for a missing required field")
	}
}

func TestCoerceParseFailure(t *testing.T) {
	schema := Schema{"x": {Type: TypeInteger}}
	_, err := Coerce("node-1", map[string]string{"x": "NOT_A_NUMBER"}, schema)
	if err == nil {
		t.Fatal("expected an InputResolution error for an unparseable integer")
	}
}

func TestCoerceIntegerOverflow(t *testing.T) {
	schema := Schema{"x": {Type: TypeInteger}}
	_, err := Coerce("node-1", map[string]string{"x": "99999999999999999999999999"}, schema)
	if err == nil {
		t.Fatal("expected an overflow error")
	}
}

func TestCoercePassesThroughUndeclaredFields(t *testing.T) {
	out, err := Coerce("node-1", map[string]string{"extra": "value"}, Schema{})
	if err != nil {
		t.Fatalf("Coerce: %v", err)
	}
	if out["extra"] != "value" {
		t.Errorf("extra = %v", out["extra"])
	}
}
