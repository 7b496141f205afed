package main

import "testing"

func TestParseActionArgs(t *testing.T) {
	a, err := parseActionArgs("perform", []string{
		"cacheDeleteAction", "ppn1*", "-param", "age=3600", "ppn2", "-continue-on-error", "-param", "x = y",
	}, true)
	if err != nil {
		t.Fatal(err)
	}
	if a.name != "cacheDeleteAction" || len(a.patterns) != 2 || a.patterns[1] != "ppn2" {
		t.Fatalf("positional: %+v", a)
	}
	if !a.continueOnError {
		t.Fatal("continue-on-error not set")
	}
	if a.params["age"] != "3600" || a.params["x"] != " y" {
		t.Fatalf("params: %v", a.params)
	}
}

func TestParseActionArgs_Errors(t *testing.T) {
	cases := map[string][]string{
		"no work":          {"cacheDeleteAction"},
		"bad param":        {"cacheDeleteAction", "ppn1", "-param", "novalue"},
		"unknown flag":     {"cacheDeleteAction", "ppn1", "-force"},
		"continue refused": {"cacheDeleteAction", "ppn1", "-continue-on-error"},
	}
	for name, args := range cases {
		if _, err := parseActionArgs("request", args, false); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
