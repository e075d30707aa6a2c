// Copyright (C) 1994-2024 Lua.org, PUC-Rio.
// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package gmcode

import (
	"fmt"

	"glimmer.dev/glimmer/internal/gmlex"
)

// ErrorKind classifies a [ParseError].
type ErrorKind int

const (
	ErrUnexpectedToken ErrorKind = iota + 1
	ErrExpectedToken
	ErrUnterminatedBlock
	ErrUnknownTypeHint
	ErrUnknownAttribute
	ErrTooManyLocals
	ErrTooManyUpvalues
	ErrTooManyLabels
	ErrTooManyConstants
	ErrTooManyFunctions
	ErrStackOverflow
	ErrAssignToConst
	ErrVarargOutsideVarargFunc
	ErrMultipleToBeClosed
	ErrUnsupportedTupleAssignment
	ErrNonConstantCase
	ErrContinueOutsideLoop
	ErrBreakOutsideLoop
	ErrUndefinedLabel
	ErrJumpIntoScope
	ErrDuplicateLabel
	ErrSafeNavOnNonNumeric
	ErrControlStructureTooLong
	ErrFunctionArgumentsExpected
	ErrContinueInCase
	ErrDuplicateCase
)

// ParseError is a diagnostic raised while parsing Glimmer source.
// It reports the [ErrorKind] alongside a formatted message so that
// callers may pattern-match on the kind without parsing prose.
type ParseError struct {
	Source   Source
	Position gmlex.Position
	Kind     ErrorKind
	Message  string
}

func (e *ParseError) Error() string {
	if !e.Position.IsValid() {
		return fmt.Sprintf("%v: %s", e.Source, e.Message)
	}
	return fmt.Sprintf("%v:%v: %s", e.Source, e.Position, e.Message)
}

// WarningKind classifies a [Warning].
type WarningKind int

const (
	WarnDuplicateLocalDeclaration WarningKind = iota + 1
	WarnTypeMismatch
	WarnReturnTypeMismatch
)

// Warning is a non-fatal diagnostic produced while parsing.
// Warnings never affect the emitted bytecode.
type Warning struct {
	Source   Source
	Position gmlex.Position
	Kind     WarningKind
	Message  string
}

func (w *Warning) String() string {
	if !w.Position.IsValid() {
		return fmt.Sprintf("%v: warning: %s", w.Source, w.Message)
	}
	return fmt.Sprintf("%v:%v: warning: %s", w.Source, w.Position, w.Message)
}

func (p *parser) errorf(kind ErrorKind, pos gmlex.Position, format string, args ...any) error {
	return &ParseError{
		Source:   p.source,
		Position: pos,
		Kind:     kind,
		Message:  fmt.Sprintf(format, args...),
	}
}

func (p *parser) warnf(kind WarningKind, pos gmlex.Position, format string, args ...any) {
	p.warnings = append(p.warnings, Warning{
		Source:   p.source,
		Position: pos,
		Kind:     kind,
		Message:  fmt.Sprintf(format, args...),
	})
}
