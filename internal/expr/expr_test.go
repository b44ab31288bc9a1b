package expr

import "testing"

func testExpander(name string) string {
	switch name {
	case "test1":
		return "foobar"
	case "empty":
		return ""
	case "userPassword":
		return "{crypt}HASH"
	default:
		return ""
	}
}

func TestExpandScenarios(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare var", "$test1", "foobar"},
		{"default on empty", "${empty:-default}", "default"},
		{"alternative on set", "${test1:+X}", "X"},
		{"substring", "${test1:3:3}", "bar"},
		{"strip pattern", "${test1#?oo}", "bar"},
		{"escaped brace in pattern", `${userPassword#{crypt\}}`, "HASH"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Expand(tc.in, testExpander)
			if err != nil {
				t.Fatalf("Expand(%q) error: %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("Expand(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestExpandSyntaxError(t *testing.T) {
	if _, err := Expand("${a", testExpander); err == nil {
		t.Fatalf("Expand(${a) expected error, got nil")
	}
}

func TestExpandUnsetDefault(t *testing.T) {
	got, err := Expand("${nosuch:-fallback}", testExpander)
	if err != nil {
		t.Fatalf("Expand error: %v", err)
	}
	if got != "fallback" {
		t.Fatalf("Expand = %q, want fallback", got)
	}
}

func TestExpandAlternativeUnset(t *testing.T) {
	got, err := Expand("${empty:+X}", testExpander)
	if err != nil {
		t.Fatalf("Expand error: %v", err)
	}
	if got != "" {
		t.Fatalf("Expand = %q, want empty string", got)
	}
}

func TestExpandEscapeAndLiteralText(t *testing.T) {
	got, err := Expand(`foo\$bar baz`, testExpander)
	if err != nil {
		t.Fatalf("Expand error: %v", err)
	}
	if got != "foo$bar baz" {
		t.Fatalf("Expand = %q, want foo$bar baz", got)
	}
}

func TestVariablesOf(t *testing.T) {
	set, err := VariablesOf("${a:-$b} and ${c#d}")
	if err != nil {
		t.Fatalf("VariablesOf error: %v", err)
	}
	for _, name := range []string{"a", "b", "c"} {
		if !set.Contains(name) {
			t.Fatalf("VariablesOf missing %q", name)
		}
	}
}

func TestVariablesOfSupersetOfExpand(t *testing.T) {
	expression := "${x:-${y:+z}}"
	seen := map[string]bool{}
	_, err := Expand(expression, func(name string) string {
		seen[name] = true
		return ""
	})
	if err != nil {
		t.Fatalf("Expand error: %v", err)
	}
	vars, err := VariablesOf(expression)
	if err != nil {
		t.Fatalf("VariablesOf error: %v", err)
	}
	for name := range seen {
		if !vars.Contains(name) {
			t.Fatalf("VariablesOf(%q) missing %q seen during Expand", expression, name)
		}
	}
}

func TestVariableNameLengthBoundary(t *testing.T) {
	name30 := "abcdefghijklmnopqrstuvwxyzabcd" // 30 chars
	if len(name30) != 30 {
		t.Fatalf("test fixture wrong length: %d", len(name30))
	}
	if _, err := Expand("$"+name30, func(string) string { return "ok" }); err != nil {
		t.Fatalf("30-char variable name should succeed: %v", err)
	}

	name31 := name30 + "z"
	if _, err := Expand("$"+name31+" ", func(string) string { return "ok" }); err == nil {
		t.Fatalf("31-char variable name should fail")
	}
}
