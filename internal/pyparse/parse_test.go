package pyparse

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSource = `import os
from typing import List, Optional


class Greeter:
    """Greets people."""

    def __init__(self, name):
        self.name = name

    def greet(self):
        """Say hello."""
        return format_greeting(self.name)


def format_greeting(name):
    helper()
    return "hello " + name


def helper():
    pass
`

func newTestParser(t *testing.T) *Parser {
	t.Helper()
	p, err := NewParser()
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestParseSourceClassesAndMethods(t *testing.T) {
	p := newTestParser(t)
	result, err := p.ParseSource(sampleSource)
	require.NoError(t, err)

	require.Len(t, result.Classes, 1)
	assert.Equal(t, "Greeter", result.Classes[0].Name)
	assert.Equal(t, "Greets people.", result.Classes[0].Docstring)

	require.Len(t, result.Methods, 2)
	names := []string{result.Methods[0].Name, result.Methods[1].Name}
	assert.Contains(t, names, "__init__")
	assert.Contains(t, names, "greet")
	for _, m := range result.Methods {
		assert.Equal(t, "Greeter", m.ClassQualName)
		if m.Name == "greet" {
			assert.Equal(t, "Say hello.", m.Docstring)
		}
	}

	require.Len(t, result.Functions, 2)
	fnNames := []string{result.Functions[0].Name, result.Functions[1].Name}
	assert.Contains(t, fnNames, "format_greeting")
	assert.Contains(t, fnNames, "helper")
}

const nestedClassSource = `class Outer:
    class Inner:
        def method(self):
            self.helper()

        def helper(self):
            pass


class Sibling:
    class Inner:
        def method(self):
            pass
`

func TestParseSourceQualifiesNestedClassesBySelfOwnerChain(t *testing.T) {
	p := newTestParser(t)
	result, err := p.ParseSource(nestedClassSource)
	require.NoError(t, err)

	require.Len(t, result.Classes, 4)
	qualNames := make(map[string]bool, len(result.Classes))
	for _, c := range result.Classes {
		qualNames[c.QualName] = true
	}
	assert.Contains(t, qualNames, "Outer")
	assert.Contains(t, qualNames, "Outer.Inner")
	assert.Contains(t, qualNames, "Sibling")
	assert.Contains(t, qualNames, "Sibling.Inner")
	// the two "Inner" classes must not collide: each is its own
	// qual_name-keyed row (internal/storage/ops.go's classIDs).
	assert.Len(t, qualNames, 4)

	var outerMethod, siblingMethod *MethodEntity
	for i := range result.Methods {
		m := &result.Methods[i]
		switch m.ClassQualName {
		case "Outer.Inner":
			if m.Name == "method" {
				outerMethod = m
			}
		case "Sibling.Inner":
			if m.Name == "method" {
				siblingMethod = m
			}
		}
	}
	require.NotNil(t, outerMethod)
	require.NotNil(t, siblingMethod)
	assert.Equal(t, "Outer.Inner.method", outerMethod.QualName)
	assert.Equal(t, "Sibling.Inner.method", siblingMethod.QualName)

	var sawSelfCall bool
	for _, cs := range result.CallSites {
		if cs.Kind == CallSiteAttribute && cs.TargetName == "helper" && cs.OwnerClass == "Inner" {
			sawSelfCall = true
		}
	}
	assert.True(t, sawSelfCall, "expected self.helper() to attribute OwnerClass to the innermost class's bare name")
}

func TestParseSourceImports(t *testing.T) {
	p := newTestParser(t)
	result, err := p.ParseSource(sampleSource)
	require.NoError(t, err)

	require.Len(t, result.Imports, 3)
	assert.Equal(t, "os", result.Imports[0].Module)
	assert.Empty(t, result.Imports[0].Name)

	for _, imp := range result.Imports[1:] {
		assert.Equal(t, "typing", imp.Module)
		assert.Contains(t, []string{"List", "Optional"}, imp.Name)
	}
}

func TestParseSourceCallSites(t *testing.T) {
	p := newTestParser(t)
	result, err := p.ParseSource(sampleSource)
	require.NoError(t, err)

	var sawHelperCall, sawFormatGreetingCall bool
	for _, cs := range result.CallSites {
		switch {
		case cs.Kind == CallSiteCall && cs.TargetName == "helper":
			sawHelperCall = true
		case cs.Kind == CallSiteCall && cs.TargetName == "format_greeting":
			sawFormatGreetingCall = true
		}
	}
	assert.True(t, sawHelperCall, "expected a call site for helper()")
	assert.True(t, sawFormatGreetingCall, "expected a call site for format_greeting()")
}

func TestParseSourceHashIsStableAndContentAddressed(t *testing.T) {
	p := newTestParser(t)
	r1, err := p.ParseSource(sampleSource)
	require.NoError(t, err)
	r2, err := p.ParseSource(sampleSource)
	require.NoError(t, err)
	assert.Equal(t, r1.Hash, r2.Hash)

	r3, err := p.ParseSource(sampleSource + "\n# trailing comment\n")
	require.NoError(t, err)
	assert.NotEqual(t, r1.Hash, r3.Hash)
}

func TestTreeEncodeDecodeRoundTrip(t *testing.T) {
	p := newTestParser(t)
	result, err := p.ParseSource(sampleSource)
	require.NoError(t, err)

	data, err := result.Tree.Encode()
	require.NoError(t, err)

	decoded, err := DecodeTree(data)
	require.NoError(t, err)
	assert.Equal(t, result.Tree.Nodes, decoded.Nodes)
}

func TestParseFileReadsFromDisk(t *testing.T) {
	p := newTestParser(t)
	path := filepath.Join(t.TempDir(), "sample.py")
	require.NoError(t, os.WriteFile(path, []byte(sampleSource), 0o644))

	result, err := p.ParseFile(path)
	require.NoError(t, err)
	assert.Len(t, result.Classes, 1)
}
