// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package gmcode

import "glimmer.dev/glimmer/internal/gmlex"

// valueKind classifies the runtime type of a value known (or knowable)
// at compile time, for the purpose of checking declared type hints.
type valueKind int

const (
	kindUnknown valueKind = iota
	kindNil
	kindBool
	kindInt
	kindFloat
	kindString
	kindTable
)

func (k valueKind) String() string {
	switch k {
	case kindNil:
		return "nil"
	case kindBool:
		return "boolean"
	case kindInt, kindFloat:
		return "number"
	case kindString:
		return "string"
	case kindTable:
		return "table"
	default:
		return "unknown"
	}
}

// typeHint is a parsed `: name` type annotation attached to a local,
// parameter, or function return.
type typeHint int

const (
	hintNone typeHint = iota
	hintNumber
	hintString
	hintTable
	hintBool
	hintNil
	// hintUnknown covers annotations that name a type this checker
	// does not attempt to verify, such as userdata or function values.
	hintUnknown
)

func (h typeHint) String() string {
	switch h {
	case hintNumber:
		return "number"
	case hintString:
		return "string"
	case hintTable:
		return "table"
	case hintBool:
		return "boolean"
	case hintNil:
		return "nil"
	case hintUnknown:
		return "unknown"
	default:
		return "none"
	}
}

// typeHintFromName parses the identifier following a ':' in a type
// annotation into a [typeHint].
func typeHintFromName(name string) (typeHint, bool) {
	switch name {
	case "number":
		return hintNumber, true
	case "string":
		return hintString, true
	case "table":
		return hintTable, true
	case "boolean", "bool":
		return hintBool, true
	case "nil":
		return hintNil, true
	case "userdata", "function":
		return hintUnknown, true
	default:
		return hintNone, false
	}
}

// matches reports whether a value of the given kind satisfies the hint.
// A hint that this checker does not model always matches.
func (h typeHint) matches(vk valueKind) bool {
	switch h {
	case hintNumber:
		return vk == kindInt || vk == kindFloat
	case hintString:
		return vk == kindString
	case hintTable:
		return vk == kindTable
	case hintBool:
		return vk == kindBool
	case hintNil:
		return vk == kindNil
	default:
		return true
	}
}

// valueKindOf classifies a compile-time constant [Value].
func valueKindOf(v Value) valueKind {
	switch {
	case v.IsNil():
		return kindNil
	case v.IsBoolean():
		return kindBool
	case v.IsInteger():
		return kindInt
	case v.IsNumber():
		return kindFloat
	case v.IsString():
		return kindString
	default:
		return kindUnknown
	}
}

// exprValueKind classifies an expression's value kind when it is knowable
// at compile time, and [kindUnknown] otherwise.
func (p *parser) exprValueKind(fs *funcState, e expDesc) valueKind {
	switch e.kind {
	case expKindNil:
		return kindNil
	case expKindTrue, expKindFalse:
		return kindBool
	case expKindKInt:
		return kindInt
	case expKindKFlt:
		return kindFloat
	case expKindKStr:
		return kindString
	case expKindConst:
		if v, ok := p.constToValue(fs, e); ok {
			return valueKindOf(v)
		}
	}
	return kindUnknown
}

// checkTypeMismatch emits a [WarnTypeMismatch] warning
// (a [WarnReturnTypeMismatch] warning when context is "return value")
// if e's compile-time
// value kind is known and does not satisfy hint. Hints that cannot be
// checked, or expressions whose value is not known at compile time,
// are silently accepted.
func (p *parser) checkTypeMismatch(fs *funcState, hint typeHint, e expDesc, pos gmlex.Position, context string) {
	if hint == hintNone || hint == hintUnknown {
		return
	}
	vk := p.exprValueKind(fs, e)
	if vk == kindUnknown {
		return
	}
	if !hint.matches(vk) {
		kind := WarnTypeMismatch
		if context == "return value" {
			kind = WarnReturnTypeMismatch
		}
		p.warnf(kind, pos, "%s has type hint '%s' but value has type '%s'", context, hint, vk)
	}
}
