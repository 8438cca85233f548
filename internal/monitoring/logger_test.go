package monitoring

import "testing"

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var got string
	SetLogger(func(format string, v ...interface{}) { got = format })
	Logf("dropping line %d", 7)
	if got != "dropping line %d" {
		t.Errorf("Custom logger saw %q", got)
	}

	// nil installs a no-op, not a nil func.
	SetLogger(nil)
	Logf("must not panic")

	got = ""
	SetLogger(func(format string, v ...interface{}) { got = format })
	Logf("restored")
	if got != "restored" {
		t.Error("Logger not replaceable after nil reset")
	}
}
