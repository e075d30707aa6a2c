// Copyright (C) 1994-2024 Lua.org, PUC-Rio.
// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package gmcode

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"glimmer.dev/glimmer/internal/gmlex"
	"glimmer.dev/glimmer/sets"
)

// envName is the name of the implicit first upvalue of every main chunk.
//
// Equivalent to `LUA_ENV` in upstream Lua.
const envName = "_ENV"

// depthLimit is the maximum recursion depth for syntax constructs.
//
// Equivalent to `LUAI_MAXCCALLS` in upstream Lua.
const depthLimit = 200

var errDepthExceeded = errors.New("recursion depth exceeded")

// minStackSize is the initial stack size for any function.
// Registers zero and one are always valid.
const minStackSize = 2

// maxLocals is the maximum number of active local variables in a function.
//
// Equivalent to `LUAI_MAXVARS` in upstream Lua.
const maxLocals = 200

// Parse converts Glimmer source into virtual machine bytecode.
func Parse(name Source, r io.ByteScanner) (*Prototype, error) {
	proto, _, err := ParseWithWarnings(name, r)
	return proto, err
}

// ParseWithWarnings is like [Parse] but also returns any non-fatal
// diagnostics collected while parsing.
func ParseWithWarnings(name Source, r io.ByteScanner) (*Prototype, []Warning, error) {
	p := &parser{
		ls:       gmlex.NewScanner(r),
		source:   name,
		lastLine: 1,
	}

	fs, _ := p.openFunction(nil, &Prototype{
		Source:       name,
		MaxStackSize: minStackSize,
		Upvalues: []UpvalueDescriptor{
			{
				Name:    envName,
				InStack: true,
				Index:   0,
				Kind:    RegularVariable,
			},
		},
	})
	// Main function is always declared vararg.
	p.setVariadic(fs, 0)

	p.advance()
	if err := p.block(fs); err != nil {
		return nil, p.warnings, err
	}
	if p.curr.Kind != gmlex.ErrorToken {
		return nil, p.warnings, p.errorf(ErrUnexpectedToken, p.curr.Position, "<eof> expected near %v", p.curr)
	}
	if p.err != nil && p.err != io.EOF {
		return nil, p.warnings, p.err
	}
	if err := p.closeFunction(fs); err != nil {
		return nil, p.warnings, err
	}

	return fs.Prototype, p.warnings, nil
}

// parser is the in-progress state of a [Parse] call.
//
// Somewhat equivalent to `LexState` in upstream Lua,
// but actual lexical analysis is split out.
type parser struct {
	ls     *gmlex.Scanner
	source Source

	curr gmlex.Token
	next gmlex.Token
	// peeked reports whether next holds a token scanned ahead of curr.
	// The scanner's own ErrorToken zero value is not distinguishable
	// from "nothing scanned yet", so this cannot be inferred from next alone.
	peeked bool
	err    error
	// lastLine is the line number of the previous token.
	lastLine int

	depth int

	activeVariables []variableDescription
	pendingGotos    []labelDescription
	labels          []labelDescription

	warnings []Warning
}

// advance scans the next token.
//
// Equivalent to `luaX_next` in upstream Lua.
func (p *parser) advance() {
	p.lastLine = max(p.curr.Position.Line, 1)
	if p.peeked {
		p.curr = p.next
		p.next = gmlex.Token{}
		p.peeked = false
		return
	}
	if p.err == nil {
		p.curr, p.err = p.ls.Scan()
	}
}

// peek returns the token after the current one
// without advancing the parser.
//
// Equivalent to `luaX_lookahead` in upstream Lua.
func (p *parser) peek() gmlex.Token {
	if !p.peeked && p.err == nil {
		p.next, p.err = p.ls.Scan()
		p.peeked = true
	}
	return p.next
}

// openFunction creates a new [funcState] and [blockControl]
// for the given function and its parent function.
//
// Equivalent to `open_func` in upstream Lua.
func (p *parser) openFunction(prev *funcState, f *Prototype) (*funcState, *blockControl) {
	fs := &funcState{
		prev:      prev,
		Prototype: f,

		previousLine: f.LineDefined,
		firstLocal:   len(p.activeVariables),
		firstLabel:   len(p.labels),
	}
	bl := p.enterBlock(fs, false)
	return fs, bl
}

// addPrototype allocates a new child [Prototype] of fs and returns it.
//
// Equivalent to `addprototype` in upstream Lua.
func (p *parser) addPrototype(fs *funcState) *Prototype {
	proto := &Prototype{Source: fs.Source}
	fs.Functions = append(fs.Functions, proto)
	return proto
}

// enterBlock creates a new [blockControl].
//
// Equivalent to `enterblock` in upstream Lua.
func (p *parser) enterBlock(fs *funcState, isLoop bool) *blockControl {
	bl := &blockControl{
		isLoop:             isLoop,
		numActiveVariables: fs.numActiveVariables,
		firstLabel:         len(p.labels),
		firstGoto:          len(p.pendingGotos),
		upval:              false,
		insideTBC:          fs.blocks != nil && fs.blocks.insideTBC,
		prev:               fs.blocks,
		continueList:       noJump,
	}
	fs.blocks = bl
	return bl
}

// closeFunction finalizes a [funcState] so that its [Prototype] is usable.
//
// Equivalent to `close_func` in upstream Lua.
func (p *parser) closeFunction(fs *funcState) error {
	p.codeReturn(fs, p.numVariablesInStack(fs), 0)
	if err := p.leaveBlock(fs); err != nil {
		return err
	}
	if err := fs.finish(); err != nil {
		return err
	}
	return nil
}

// leaveBlock finalizes a [blockControl].
//
// Equivalent to `leaveblock` in upstream Lua.
func (p *parser) leaveBlock(fs *funcState) error {
	bl := fs.blocks
	// Get the level outside the block.
	stackLevel := p.registerLevel(fs, int(bl.numActiveVariables))
	// Remove block locals.
	p.removeVariables(fs, int(bl.numActiveVariables))
	hasClose := false
	if bl.isLoop {
		// Has to fix pending breaks.
		var err error
		hasClose, err = p.createLabel(fs, "break", 0, false)
		if err != nil {
			return err
		}
	}
	if !hasClose && bl.prev != nil && bl.upval {
		// Still needs a close.
		p.code(fs, ABCInstruction(OpClose, uint8(stackLevel), 0, 0, false))
	}
	fs.firstFreeRegister = stackLevel
	p.labels = slices.Delete(p.labels, bl.firstLabel, len(p.labels))
	fs.blocks = bl.prev
	if bl.prev != nil {
		// Nested block: updating pending gotos to enclosing block.
		p.moveGotosOut(fs, bl)
	} else if bl.firstGoto < len(p.pendingGotos) {
		// There are still pending gotos.
		gt := p.pendingGotos[bl.firstGoto]
		if gt.name == "break" {
			return p.errorf(ErrBreakOutsideLoop, gt.position, "break outside loop")
		}
		return p.errorf(ErrUndefinedLabel, gt.position, "no visible label '%s' for goto", gt.name)
	}
	return nil
}

// moveGotosOut adjusts pending gotos to outer level of a block.
//
// Equivalent to `movegotosout` in upstream Lua.
func (p *parser) moveGotosOut(fs *funcState, bl *blockControl) {
	for i := bl.firstGoto; i < len(p.pendingGotos); i++ {
		gt := &p.pendingGotos[i]
		if p.registerLevel(fs, int(gt.numActiveVariables)) > p.registerLevel(fs, int(bl.numActiveVariables)) {
			// If we're leaving a variable scope, the jump may need a close.
			gt.close = gt.close || bl.upval
		}
		gt.numActiveVariables = bl.numActiveVariables
	}
}

// isBlockFollow reports whether a token terminates a block.
// withUntil controls whether a `until` token also counts,
// since a `repeat` body allows statements that a `until`-less block would reject.
//
// Equivalent to `block_follow` in upstream Lua.
func isBlockFollow(k gmlex.TokenKind, withUntil bool) bool {
	switch k {
	case gmlex.ElseToken, gmlex.ElseifToken, gmlex.EndToken, gmlex.ErrorToken,
		gmlex.CaseToken, gmlex.DefaultToken:
		return true
	case gmlex.UntilToken, gmlex.WhenToken:
		return withUntil
	default:
		return false
	}
}

// block parses a block production.
//
//	block ::= {stat} [retstat]
//
// Equivalent to `statlist` in upstream Lua.
func (p *parser) block(fs *funcState) error {
	for !isBlockFollow(p.curr.Kind, true) {
		if p.curr.Kind == gmlex.ReturnToken {
			return p.statement(fs)
		}
		if err := p.statement(fs); err != nil {
			return err
		}
	}
	return nil
}

// statement parses a statement.
//
// Equivalent to `statement` in upstream Lua.
func (p *parser) statement(fs *funcState) error {
	p.depth++
	if p.depth > depthLimit {
		return errDepthExceeded
	}
	defer func() {
		p.depth--
	}()

	line := p.curr.Position.Line
	switch p.curr.Kind {
	case gmlex.SemiToken:
		p.advance()
	case gmlex.DoToken:
		start := p.curr.Position
		p.advance()
		if err := p.block(fs); err != nil {
			return err
		}
		if err := p.checkMatch(fs, start, gmlex.DoToken, gmlex.EndToken); err != nil {
			return err
		}
	case gmlex.WhileToken:
		if err := p.whileStatement(fs, line); err != nil {
			return err
		}
	case gmlex.RepeatToken:
		if err := p.repeatStatement(fs, line); err != nil {
			return err
		}
	case gmlex.IfToken:
		if err := p.ifStatement(fs, line); err != nil {
			return err
		}
	case gmlex.ForToken:
		if err := p.forStatement(fs, line); err != nil {
			return err
		}
	case gmlex.SwitchToken:
		if err := p.switchStatement(fs, line); err != nil {
			return err
		}
	case gmlex.FunctionToken:
		p.advance()
		if err := p.functionStatement(fs, line); err != nil {
			return err
		}
	case gmlex.LocalToken:
		p.advance()
		if p.curr.Kind == gmlex.FunctionToken {
			p.advance()
			if err := p.localFunctionStatement(fs, line); err != nil {
				return err
			}
		} else {
			if err := p.localStatement(fs, line); err != nil {
				return err
			}
		}
	case gmlex.LabelToken:
		if err := p.labelStatement(fs); err != nil {
			return err
		}
	case gmlex.BreakToken:
		p.advance()
		if err := p.breakStatement(fs, line); err != nil {
			return err
		}
	case gmlex.ContinueToken:
		p.advance()
		if err := p.continueStatement(fs, line); err != nil {
			return err
		}
	case gmlex.GotoToken:
		p.advance()
		if err := p.gotoStatement(fs, line); err != nil {
			return err
		}
	case gmlex.ReturnToken:
		p.advance()
		if err := p.returnStatement(fs); err != nil {
			return err
		}
	default:
		if err := p.exprStatement(fs); err != nil {
			return err
		}
	}

	// Free any temporary registers used in the statement.
	numVariablesInStack := p.numVariablesInStack(fs)
	if fs.firstFreeRegister > registerIndex(fs.MaxStackSize) {
		return fmt.Errorf("internal error: after statement: first free register (%d) is greater than high watermark (%d)",
			fs.firstFreeRegister, fs.MaxStackSize)
	}
	if fs.firstFreeRegister < numVariablesInStack {
		return fmt.Errorf("internal error: after statement: first free register (%d) is less than variable stack (%d)",
			fs.firstFreeRegister, numVariablesInStack)
	}
	fs.firstFreeRegister = numVariablesInStack

	return nil
}

// exprStatement parses a statement that begins with an expression
// (i.e. a function call, an assignment, or a compound assignment).
//
// Equivalent to `exprstat` in upstream Lua.
func (p *parser) exprStatement(fs *funcState) error {
	v, err := p.suffixedExpression(fs)
	if err != nil {
		return err
	}
	if compoundOp, ok := compoundOperator(p.curr.Kind); ok {
		if err := p.checkReadonly(fs, v); err != nil {
			return err
		}
		return p.compoundAssignment(fs, v, compoundOp)
	}
	switch p.curr.Kind {
	case gmlex.AssignToken, gmlex.CommaToken:
		if err := p.checkReadonly(fs, v); err != nil {
			return err
		}
		return p.assignment(fs, lhsAssign{v: v}, 1)
	default:
		// Function call.
		if v.kind != expKindCall {
			return p.errorf(ErrUnexpectedToken, p.curr.Position, "syntax error near %v", p.curr)
		}
		i := &fs.Code[v.pc()]
		var ok bool
		*i, ok = i.WithArgC(1)
		if !ok {
			return fmt.Errorf("internal error: call expression references %v instruction", i.OpCode())
		}
		return nil
	}
}

type lhsAssign struct {
	prev *lhsAssign
	v    expDesc
}

// checkConflict looks for a conflict between v, the left-hand side just
// parsed, and the previously parsed left-hand sides reachable from lh: an
// earlier indexed assignment whose table or index register is the same
// one v is about to overwrite. Since assignments in a multi-assignment
// are stored right to left after all right-hand sides are evaluated, such
// an earlier assignment would otherwise read the table or index out of a
// register v has already clobbered. Any conflicting left-hand side is
// rewritten in place to read the shadowed value out of a temporary
// register instead, which is filled in once after the scan.
//
// Equivalent to `check_conflict` in upstream Lua.
func (p *parser) checkConflict(fs *funcState, lh *lhsAssign, v expDesc) error {
	extra := fs.firstFreeRegister
	conflict := false
	for ; lh != nil; lh = lh.prev {
		switch lh.v.kind {
		case expKindIndexUp:
			if v.kind == expKindUpval && lh.v.tableUpvalue() == v.upvalueIndex() {
				conflict = true
				lh.v = lh.v.asIndexStr(extra)
			}
		case expKindIndexed, expKindIndexI, expKindIndexStr:
			if v.kind == expKindLocal && lh.v.tableRegister() == v.register() {
				conflict = true
				lh.v = lh.v.withTableRegister(extra)
			}
			if lh.v.kind == expKindIndexed && v.kind == expKindLocal && lh.v.indexRegister() == v.register() {
				conflict = true
				lh.v = lh.v.withIndexRegister(extra)
			}
		}
	}
	if !conflict {
		return nil
	}
	if v.kind == expKindLocal {
		p.code(fs, ABCInstruction(OpMove, uint8(extra), uint8(v.register()), 0, false))
	} else {
		p.code(fs, ABCInstruction(OpGetUpval, uint8(extra), uint8(v.upvalueIndex()), 0, false))
	}
	return fs.reserveRegisters(1)
}

// assignment parses an assignment production after its first variable.
//
//	stat ::= varlist '=' explist | /* ... */
//	varlist ::= var {‘,’ var}
//
// Equivalent to `restassign` in upstream Lua.
func (p *parser) assignment(fs *funcState, lhs lhsAssign, numVariables int) error {
	switch p.curr.Kind {
	case gmlex.CommaToken:
		p.advance()
		v, err := p.suffixedExpression(fs)
		if err != nil {
			return err
		}
		if err := p.checkReadonly(fs, v); err != nil {
			return err
		}
		if !v.kind.isIndexed() {
			if err := p.checkConflict(fs, &lhs, v); err != nil {
				return err
			}
		}
		nv := lhsAssign{prev: &lhs, v: v}
		p.depth++
		if p.depth > depthLimit {
			return errDepthExceeded
		}
		err = p.assignment(fs, nv, numVariables+1)
		p.depth--
		if err != nil {
			return err
		}
	case gmlex.AssignToken:
		p.advance()
		numExpressions, last, err := p.expressionList(fs)
		if err != nil {
			return err
		}
		if numExpressions == numVariables {
			last = p.setOneReturn(fs, last) // close last expression
			return p.codeStoreVar(fs, lhs.v, last)
		}
		if err := p.adjustAssignment(fs, numVariables, numExpressions, last); err != nil {
			return err
		}
	default:
		return p.errorf(ErrExpectedToken, p.curr.Position, "'=' expected near %v", p.curr)
	}

	return p.codeStoreVar(fs, lhs.v, newNonRelocExpDesc(fs.firstFreeRegister-1))
}

// adjustAssignment adjusts the number of results from an expression list
// with the given number of expressions
// to yield results for given number of variables.
//
// Equivalent to `adjust_assign` in upstream Lua.
func (p *parser) adjustAssignment(fs *funcState, numVariables, numExpressions int, last expDesc) error {
	needed := numVariables - numExpressions
	if last.kind.hasMultipleReturns() {
		extra := max(needed+1, 0)
		if err := p.setReturns(fs, last, extra); err != nil {
			return err
		}
	} else {
		if last.kind != expKindVoid {
			// Close last expression.
			var err error
			last, _, err = p.exp2nextReg(fs, last)
			if err != nil {
				return err
			}
		}
		if needed > 0 {
			// Missing values; fill with nils.
			p.codeNil(fs, fs.firstFreeRegister, uint8(needed))
		}
	}
	if needed > 0 {
		if err := fs.reserveRegisters(needed); err != nil {
			return err
		}
	} else {
		// Remove extra values (this is a subtraction).
		fs.firstFreeRegister += registerIndex(needed)
	}
	return nil
}

// setVariadic marks the function as variadic.
//
// Equivalent to `setvararg` in upstream Lua.
func (p *parser) setVariadic(fs *funcState, numParams uint8) {
	fs.IsVararg = true
	p.code(fs, ABCInstruction(OpVarargPrep, numParams, 0, 0, false))
}

// returnStatement parses a return statement.
// The caller must have consumed the [gmlex.ReturnToken].
//
//	retstat ::= return [explist] [‘;’]
//
// Equivalent to `retstat` in upstream Lua.
func (p *parser) returnStatement(fs *funcState) error {
	first := p.numVariablesInStack(fs)
	nret := 0
	pos := p.curr.Position
	if !isBlockFollow(p.curr.Kind, true) && p.curr.Kind != gmlex.SemiToken {
		var lastExpr expDesc
		var err error
		nret, lastExpr, err = p.expressionList(fs)
		if err != nil {
			return err
		}
		if nret == 1 && fs.returnHint != hintNone {
			p.checkTypeMismatch(fs, fs.returnHint, lastExpr, pos, "return value")
		}
		switch {
		case lastExpr.kind.hasMultipleReturns():
			if err := p.setReturns(fs, lastExpr, multiReturn); err != nil {
				return err
			}
			if lastExpr.kind == expKindCall && nret == 1 && !fs.blocks.insideTBC {
				// Tail call.
				i := fs.Code[lastExpr.pc()]
				if registerIndex(i.ArgA()) != p.numVariablesInStack(fs) {
					return fmt.Errorf("internal error: call-to-tailcall patching failed")
				}
				fs.Code[lastExpr.pc()] = ABCInstruction(OpTailCall, i.ArgA(), i.ArgB(), i.ArgC(), i.K())
			}
			nret = multiReturn
		case nret == 1:
			// Can use original slot.
			if _, first, err = p.exp2anyreg(fs, lastExpr); err != nil {
				return err
			}
		default:
			// Values must go to the top of the stack.
			if _, _, err := p.exp2nextReg(fs, lastExpr); err != nil {
				return err
			}
			if got := int(fs.firstFreeRegister) - int(first); got != nret {
				return fmt.Errorf("internal error: retStat did not lay out values on stack correctly")
			}
		}
	}

	p.codeReturn(fs, first, nret)

	// Skip optional semicolon.
	if p.curr.Kind == gmlex.SemiToken {
		p.advance()
	}
	return nil
}

// expressionList parses one or more comma-separated expressions.
//
// Equivalent to `explist` in upstream Lua.
func (p *parser) expressionList(fs *funcState) (n int, last expDesc, err error) {
	n = 1
	last, err = p.expression(fs)
	if err != nil {
		return n, voidExpDesc(), err
	}
	for ; p.curr.Kind == gmlex.CommaToken; n++ {
		p.advance()
		if _, _, err := p.exp2nextReg(fs, last); err != nil {
			return n, voidExpDesc(), err
		}
		last, err = p.expression(fs)
		if err != nil {
			return n, voidExpDesc(), err
		}
	}
	return n, last, nil
}

// expression parses an expression.
//
// Equivalent to `expr` in upstream Lua.
func (p *parser) expression(fs *funcState) (expDesc, error) {
	e, _, err := p.subExpression(fs, 0)
	return e, err
}

// subExpression parses expressions joined by binary operators
// where the binary operator's precedence is higher than the given limit.
// If the returned [binaryOperator] is not [binaryOperatorNone],
// then it is the first operator encountered that is lower than or equal to the given limit.
func (p *parser) subExpression(fs *funcState, limit int) (expDesc, binaryOperator, error) {
	p.depth++
	if p.depth > depthLimit {
		return voidExpDesc(), binaryOperatorNone, errDepthExceeded
	}
	defer func() {
		p.depth--
	}()

	var e expDesc
	switch {
	case p.curr.Kind == gmlex.AddToken:
		// Pseudo-unary '+' is a no-op that preserves the operand.
		p.advance()
		var err error
		e, _, err = p.subExpression(fs, unaryPrecedence)
		if err != nil {
			return voidExpDesc(), binaryOperatorNone, err
		}
	default:
		if uop, ok := toUnaryOperator(p.curr.Kind); ok {
			line := p.curr.Position.Line
			p.advance()
			var err error
			e, _, err = p.subExpression(fs, unaryPrecedence)
			if err != nil {
				return voidExpDesc(), binaryOperatorNone, err
			}
			e, err = p.codePrefix(fs, uop, e, line)
			if err != nil {
				return voidExpDesc(), binaryOperatorNone, err
			}
		} else {
			var err error
			e, err = p.simpleExpression(fs)
			if err != nil {
				return voidExpDesc(), binaryOperatorNone, err
			}
		}
	}

	// Expand while operators have priorities higher than limit.
	op, _ := toBinaryOperator(p.curr.Kind)
	for op != binaryOperatorNone && int(operatorPrecedence[op].left) > limit {
		line := p.curr.Position.Line
		p.advance()

		var nextOp binaryOperator
		switch op {
		case binaryOperatorIn:
			e = p.dischargeVars(fs, e)
			e1, _, err := p.exp2anyreg(fs, e)
			if err != nil {
				return voidExpDesc(), binaryOperatorNone, err
			}
			var e2 expDesc
			e2, nextOp, err = p.subExpression(fs, int(operatorPrecedence[op].right))
			if err != nil {
				return voidExpDesc(), binaryOperatorNone, err
			}
			e2 = p.dischargeVars(fs, e2)
			e, err = p.codeIn(fs, e1, e2)
			if err != nil {
				return voidExpDesc(), binaryOperatorNone, err
			}
		case binaryOperatorCoalesce:
			e = p.dischargeVars(fs, e)
			e1, reg, pc, err := p.jumpIfNotNil(fs, e)
			if err != nil {
				return voidExpDesc(), binaryOperatorNone, err
			}
			var fallback expDesc
			fallback, nextOp, err = p.subExpression(fs, int(operatorPrecedence[op].right))
			if err != nil {
				return voidExpDesc(), binaryOperatorNone, err
			}
			if _, err := p.exp2reg(fs, fallback, reg); err != nil {
				return voidExpDesc(), binaryOperatorNone, err
			}
			if err := fs.patchToHere(pc); err != nil {
				return voidExpDesc(), binaryOperatorNone, err
			}
			_ = e1
			e = newNonRelocExpDesc(reg)
		default:
			var err error
			e, err = p.codeInfix(fs, op, e)
			if err != nil {
				return voidExpDesc(), binaryOperatorNone, err
			}
			var e2 expDesc
			e2, nextOp, err = p.subExpression(fs, int(operatorPrecedence[op].right))
			if err != nil {
				return voidExpDesc(), binaryOperatorNone, err
			}
			e, err = p.codePostfix(fs, op, e, e2, line)
			if err != nil {
				return voidExpDesc(), binaryOperatorNone, err
			}
		}
		op = nextOp
	}

	return e, op, nil
}

// compoundOperator maps a compound-assignment token to the binary operator
// it applies before storing the result back into the left-hand side.
func compoundOperator(k gmlex.TokenKind) (binaryOperator, bool) {
	switch k {
	case gmlex.AddAssignToken:
		return binaryOperatorAdd, true
	case gmlex.SubAssignToken:
		return binaryOperatorSub, true
	case gmlex.MulAssignToken:
		return binaryOperatorMul, true
	case gmlex.DivAssignToken:
		return binaryOperatorDiv, true
	case gmlex.IntDivAssignToken:
		return binaryOperatorIDiv, true
	case gmlex.ModAssignToken:
		return binaryOperatorMod, true
	case gmlex.PowAssignToken:
		return binaryOperatorPow, true
	case gmlex.ConcatAssignToken:
		return binaryOperatorConcat, true
	case gmlex.BAndAssignToken:
		return binaryOperatorBAnd, true
	case gmlex.BOrAssignToken:
		return binaryOperatorBOr, true
	case gmlex.BXorAssignToken, gmlex.NotEqualToken:
		// The lexer scans "~=" as NotEqualToken.
		return binaryOperatorBXor, true
	case gmlex.LShiftAssignToken:
		return binaryOperatorShiftL, true
	case gmlex.RShiftAssignToken:
		return binaryOperatorShiftR, true
	case gmlex.NullCoalesceAssignToken:
		return binaryOperatorCoalesce, true
	default:
		return binaryOperatorNone, false
	}
}

// compoundAssignment parses and codes a compound assignment
// (e.g. `x += 1`) after its target and operator token have been recognized.
// The caller must not have consumed the operator token.
func (p *parser) compoundAssignment(fs *funcState, v expDesc, op binaryOperator) error {
	if !v.kind.isVar() {
		return p.errorf(ErrUnsupportedTupleAssignment, p.curr.Position, "cannot assign to this expression")
	}
	line := p.curr.Position.Line
	p.advance()

	current, err := p.readIndexedNoFree(fs, v)
	if err != nil {
		return err
	}

	if op == binaryOperatorCoalesce {
		return p.codeCoalesceAssign(fs, v, current, line)
	}

	current, err = p.codeInfix(fs, op, current)
	if err != nil {
		return err
	}
	rhs, err := p.expression(fs)
	if err != nil {
		return err
	}
	result, err := p.codePostfix(fs, op, current, rhs, line)
	if err != nil {
		return err
	}
	return p.codeStoreVar(fs, v, result)
}

// readIndexedNoFree reads the current value referenced by an assignable
// expression without releasing the registers backing it, so the same
// descriptor can still be used as a store target afterward.
func (p *parser) readIndexedNoFree(fs *funcState, v expDesc) (expDesc, error) {
	switch v.kind {
	case expKindIndexUp:
		pc := p.code(fs, ABCInstruction(OpGetTabUp, 0, uint8(v.tableUpvalue()), uint8(v.constIndex()), false))
		return newRelocExpDesc(pc), nil
	case expKindIndexI:
		pc := p.code(fs, ABCInstruction(OpGetI, 0, uint8(v.tableRegister()), uint8(v.indexInt()), false))
		return newRelocExpDesc(pc), nil
	case expKindIndexStr:
		pc := p.code(fs, ABCInstruction(OpGetField, 0, uint8(v.tableRegister()), uint8(v.constIndex()), false))
		return newRelocExpDesc(pc), nil
	case expKindIndexed:
		pc := p.code(fs, ABCInstruction(OpGetTable, 0, uint8(v.tableRegister()), uint8(v.indexRegister()), false))
		return newRelocExpDesc(pc), nil
	default:
		return p.dischargeVars(fs, v), nil
	}
}

// codeCoalesceAssign codes `v ??= rhs`: rhs is only evaluated and stored
// when the current value of v is nil.
func (p *parser) codeCoalesceAssign(fs *funcState, v, current expDesc, line int) error {
	current, reg, pc, err := p.jumpIfNotNil(fs, current)
	if err != nil {
		return err
	}
	_ = current
	rhs, err := p.expression(fs)
	if err != nil {
		return err
	}
	if _, err := p.exp2reg(fs, rhs, reg); err != nil {
		return err
	}
	if err := p.codeStoreVar(fs, v, newNonRelocExpDesc(reg)); err != nil {
		return err
	}
	return fs.patchToHere(pc)
}

// checkReadonly reports an error if v refers to a <const> variable.
//
// Equivalent to `check_readonly` in upstream Lua.
func (p *parser) checkReadonly(fs *funcState, v expDesc) error {
	var name string
	switch v.kind {
	case expKindConst:
		name = p.activeVariables[v.constLocalIndex()].name
	case expKindLocal:
		vd := p.localVariableDescription(fs, v.localIndex(0))
		if vd.kind != LocalConst && vd.kind != CompileTimeConstant {
			return nil
		}
		name = vd.name
	default:
		return nil
	}
	return p.errorf(ErrAssignToConst, p.curr.Position, "attempt to assign to const variable '%s'", name)
}

// ifStatement parses an if statement.
//
//	stat ::= if exp then block {elseif exp then block} [else block] end
//
// Equivalent to `ifstat` in upstream Lua.
func (p *parser) ifStatement(fs *funcState, line int) error {
	escapeList := noJump
	if err := p.testThenBlock(fs, &escapeList); err != nil {
		return err
	}
	for p.curr.Kind == gmlex.ElseifToken {
		if err := p.testThenBlock(fs, &escapeList); err != nil {
			return err
		}
	}
	if p.curr.Kind == gmlex.ElseToken {
		p.advance()
		if err := p.block(fs); err != nil {
			return err
		}
	}
	if err := fs.patchToHere(escapeList); err != nil {
		return err
	}
	return p.checkMatch(fs, gmlex.Position{Line: line}, gmlex.IfToken, gmlex.EndToken)
}

// testThenBlock parses a `if exp then block` or `elseif exp then block` clause.
//
// Equivalent to `test_then_block` in upstream Lua.
func (p *parser) testThenBlock(fs *funcState, escapeList *int) error {
	p.advance() // 'if' or 'elseif'
	cond, err := p.expression(fs)
	if err != nil {
		return err
	}
	if p.curr.Kind != gmlex.ThenToken {
		return p.errorf(ErrExpectedToken, p.curr.Position, "'then' expected near %v", p.curr)
	}
	p.advance()
	cond, err = p.codeGoIfTrue(fs, cond)
	if err != nil {
		return err
	}
	jumpFalse := cond.f
	if err := p.block(fs); err != nil {
		return err
	}
	if p.curr.Kind == gmlex.ElseToken || p.curr.Kind == gmlex.ElseifToken {
		pc := p.codeJump(fs)
		var err error
		*escapeList, err = fs.concatJumpList(*escapeList, pc)
		if err != nil {
			return err
		}
	}
	return fs.patchToHere(jumpFalse)
}

// ifExpression parses an if-then-else expression.
func (p *parser) ifExpression(fs *funcState) (expDesc, error) {
	p.advance() // 'if'
	cond, err := p.expression(fs)
	if err != nil {
		return voidExpDesc(), err
	}
	if p.curr.Kind != gmlex.ThenToken {
		return voidExpDesc(), p.errorf(ErrExpectedToken, p.curr.Position, "'then' expected near %v", p.curr)
	}
	p.advance()
	cond, err = p.codeGoIfTrue(fs, cond)
	if err != nil {
		return voidExpDesc(), err
	}

	thenVal, err := p.expression(fs)
	if err != nil {
		return voidExpDesc(), err
	}
	thenVal, reg, err := p.exp2nextReg(fs, thenVal)
	if err != nil {
		return voidExpDesc(), err
	}
	_ = thenVal
	escape := p.codeJump(fs)
	if err := fs.patchToHere(cond.f); err != nil {
		return voidExpDesc(), err
	}

	if p.curr.Kind != gmlex.ElseToken {
		return voidExpDesc(), p.errorf(ErrExpectedToken, p.curr.Position, "'else' expected near %v", p.curr)
	}
	p.advance()
	elseVal, err := p.expression(fs)
	if err != nil {
		return voidExpDesc(), err
	}
	if _, err := p.exp2reg(fs, elseVal, reg); err != nil {
		return voidExpDesc(), err
	}
	if err := fs.patchToHere(escape); err != nil {
		return voidExpDesc(), err
	}
	return newNonRelocExpDesc(reg), nil
}

// whileStatement parses a while loop.
//
//	stat ::= while exp do block end
//
// Equivalent to `whilestat` in upstream Lua.
func (p *parser) whileStatement(fs *funcState, line int) error {
	p.advance() // 'while'
	whileInit := fs.label()
	cond, err := p.expression(fs)
	if err != nil {
		return err
	}
	cond, err = p.codeGoIfTrue(fs, cond)
	if err != nil {
		return err
	}
	condExit := cond.f

	p.enterBlock(fs, true)
	if p.curr.Kind != gmlex.DoToken {
		return p.errorf(ErrExpectedToken, p.curr.Position, "'do' expected near %v", p.curr)
	}
	p.advance()
	if err := p.block(fs); err != nil {
		return err
	}
	bl := fs.blocks
	if err := fs.closeLoop(bl); err != nil {
		return err
	}
	backEdge := p.codeJump(fs)
	if err := fs.fixJump(backEdge, whileInit); err != nil {
		return err
	}
	if err := p.checkMatch(fs, gmlex.Position{Line: line}, gmlex.WhileToken, gmlex.EndToken); err != nil {
		return err
	}
	if err := p.leaveBlock(fs); err != nil {
		return err
	}
	return fs.patchToHere(condExit)
}

// repeatStatement parses a repeat loop.
//
//	stat ::= repeat block (until | when) exp
//
// Equivalent to `repeatstat` in upstream Lua, with one simplification:
// upstream Lua defers closing the loop's upvalues until it knows whether
// the jump is backward or falls through, using a negative jump target as
// a sentinel. That trick isn't reproduced here; instead an unconditional
// close is coded once, since the block's locals are equally dead whether
// the loop repeats or exits.
func (p *parser) repeatStatement(fs *funcState, line int) error {
	p.advance() // 'repeat'
	repeatInit := fs.label()
	p.enterBlock(fs, true)  // loop block: break/continue target
	scopeBl := p.enterBlock(fs, false) // scope block for locals declared in the body

	for !isBlockFollow(p.curr.Kind, true) {
		if p.curr.Kind == gmlex.ReturnToken {
			p.advance()
			if err := p.returnStatement(fs); err != nil {
				return err
			}
			break
		}
		if err := p.statement(fs); err != nil {
			return err
		}
	}
	if p.curr.Kind != gmlex.UntilToken && p.curr.Kind != gmlex.WhenToken {
		return p.errorf(ErrExpectedToken, p.curr.Position, "'until' expected near %v", p.curr)
	}
	p.advance()

	loopBl := fs.blocks.prev
	if err := fs.closeLoop(loopBl); err != nil {
		return err
	}
	cond, err := p.expression(fs)
	if err != nil {
		return err
	}
	if scopeBl.upval {
		level := p.registerLevel(fs, int(scopeBl.numActiveVariables))
		p.code(fs, ABCInstruction(OpClose, uint8(level), 0, 0, false))
		scopeBl.upval = false
	}
	cond, err = p.codeGoIfTrue(fs, cond)
	if err != nil {
		return err
	}
	condExit := cond.f

	if err := p.leaveBlock(fs); err != nil { // scope block
		return err
	}
	if err := fs.patchList(condExit, repeatInit, noRegister, repeatInit); err != nil {
		return err
	}
	return p.leaveBlock(fs) // loop block
}

// forStatement parses a numeric or generic for loop.
//
//	stat ::= for Name '=' exp ',' exp [',' exp] do block end
//	stat ::= for namelist in explist do block end
//
// Equivalent to `forstat` in upstream Lua.
func (p *parser) forStatement(fs *funcState, line int) error {
	p.advance() // 'for'
	outerBl := p.enterBlock(fs, true) // loop scope; break/continue target
	varName, err := p.name(fs)
	if err != nil {
		return err
	}

	switch p.curr.Kind {
	case gmlex.AssignToken:
		err = p.numericForStatement(fs, varName, line, outerBl)
	case gmlex.CommaToken, gmlex.InToken:
		err = p.genericForStatement(fs, varName, line, outerBl)
	default:
		return p.errorf(ErrExpectedToken, p.curr.Position, "'=' or 'in' expected near %v", p.curr)
	}
	if err != nil {
		return err
	}
	if err := p.checkMatch(fs, gmlex.Position{Line: line}, gmlex.ForToken, gmlex.EndToken); err != nil {
		return err
	}
	return p.leaveBlock(fs)
}

// forExpression parses one control expression of a numeric for loop
// and forces it into the next free register.
//
// Equivalent to `exp1` in upstream Lua.
func (p *parser) forExpression(fs *funcState) (registerIndex, error) {
	e, err := p.expression(fs)
	if err != nil {
		return 0, err
	}
	_, reg, err := p.exp2nextReg(fs, e)
	return reg, err
}

// numericForStatement parses the remainder of a numeric for loop
// after `for Name` has been consumed.
//
// Equivalent to `fornum` in upstream Lua.
func (p *parser) numericForStatement(fs *funcState, varName string, line int, outerBl *blockControl) error {
	base := fs.firstFreeRegister
	if _, err := p.newLocal(fs, "(for state)", hintNone, RegularVariable, line); err != nil {
		return err
	}
	if _, err := p.newLocal(fs, "(for state)", hintNone, RegularVariable, line); err != nil {
		return err
	}
	if _, err := p.newLocal(fs, "(for state)", hintNone, RegularVariable, line); err != nil {
		return err
	}
	if _, err := p.newLocal(fs, varName, hintNone, RegularVariable, line); err != nil {
		return err
	}

	p.advance() // '='
	if _, err := p.forExpression(fs); err != nil {
		return err
	}
	if p.curr.Kind != gmlex.CommaToken {
		return p.errorf(ErrExpectedToken, p.curr.Position, "',' expected near %v", p.curr)
	}
	p.advance()
	if _, err := p.forExpression(fs); err != nil {
		return err
	}
	if p.curr.Kind == gmlex.CommaToken {
		p.advance()
		if _, err := p.forExpression(fs); err != nil {
			return err
		}
	} else {
		p.codeInt(fs, fs.firstFreeRegister, 1)
		if err := fs.reserveRegisters(1); err != nil {
			return err
		}
	}
	p.adjustLocals(fs, 3)

	return p.forBody(fs, base, line, 1, false, outerBl)
}

// genericForStatement parses the remainder of a generic for loop
// after `for Name` has been consumed.
//
// Equivalent to `forlist` in upstream Lua.
func (p *parser) genericForStatement(fs *funcState, firstName string, line int, outerBl *blockControl) error {
	names := []string{firstName}
	for p.curr.Kind == gmlex.CommaToken {
		p.advance()
		name, err := p.name(fs)
		if err != nil {
			return err
		}
		names = append(names, name)
	}
	if p.curr.Kind != gmlex.InToken {
		return p.errorf(ErrExpectedToken, p.curr.Position, "'in' expected near %v", p.curr)
	}
	p.advance()

	base := fs.firstFreeRegister
	nexps, last, err := p.expressionList(fs)
	if err != nil {
		return err
	}
	if err := p.adjustAssignment(fs, 4, nexps, last); err != nil {
		return err
	}

	for i := 0; i < 4; i++ {
		name := "(for state)"
		if _, err := p.newLocal(fs, name, hintNone, RegularVariable, line); err != nil {
			return err
		}
	}
	for _, name := range names {
		if _, err := p.newLocal(fs, name, hintNone, RegularVariable, line); err != nil {
			return err
		}
	}
	p.adjustLocals(fs, 4)

	return p.forBody(fs, base, line, len(names), true, outerBl)
}

// forBody parses the `do block` shared by numeric and generic for loops
// and codes the loop's prep/iteration instructions.
//
// Equivalent to `forbody` in upstream Lua.
func (p *parser) forBody(fs *funcState, base registerIndex, line int, nvars int, isGeneric bool, outerBl *blockControl) error {
	if err := fs.reserveRegisters(3); err != nil {
		return err
	}
	if p.curr.Kind != gmlex.DoToken {
		return p.errorf(ErrExpectedToken, p.curr.Position, "'do' expected near %v", p.curr)
	}
	p.advance()

	var prepPC int
	if isGeneric {
		prepPC = p.code(fs, ABxInstruction(OpTForPrep, uint8(base), 0))
	} else {
		prepPC = p.code(fs, ABxInstruction(OpForPrep, uint8(base), 0))
	}

	p.enterBlock(fs, false) // scope for the user-visible loop variables
	p.adjustLocals(fs, nvars)
	if err := fs.reserveRegisters(nvars); err != nil {
		return err
	}
	if err := p.block(fs); err != nil {
		return err
	}
	if err := p.leaveBlock(fs); err != nil {
		return err
	}

	// The prep and loop instructions carry their jumps as unsigned Bx
	// offsets, so they are patched here rather than with fixJump.
	fixForJump := func(pc, dest int, back bool) error {
		offset := dest - (pc + 1)
		if back {
			offset = -offset
		}
		if offset > maxArgBx {
			return errors.New("control structure too long")
		}
		i := fs.Code[pc]
		fs.Code[pc] = ABxInstruction(i.OpCode(), i.ArgA(), int32(offset))
		return nil
	}
	if err := fixForJump(prepPC, fs.label(), false); err != nil {
		return err
	}
	if err := fs.closeLoop(outerBl); err != nil {
		return err
	}

	if isGeneric {
		callPC := p.code(fs, ABCInstruction(OpTForCall, uint8(base), 0, uint8(nvars), false))
		fs.fixLineInfo(line)
		loopPC := p.code(fs, ABxInstruction(OpTForLoop, uint8(base+2), 0))
		_ = callPC
		return fixForJump(loopPC, prepPC+1, true)
	}
	loopPC := p.code(fs, ABxInstruction(OpForLoop, uint8(base), 0))
	return fixForJump(loopPC, prepPC+1, true)
}

// isCaseFollow reports whether a token can follow a switch case's body.
func isCaseFollow(k gmlex.TokenKind) bool {
	return k == gmlex.CaseToken || k == gmlex.DefaultToken || k == gmlex.EndToken || k == gmlex.ErrorToken
}

// constantCaseExpression parses a case value, which must reduce to a
// compile-time constant (a signed number, string, or <const> variable).
func (p *parser) constantCaseExpression(fs *funcState) (Value, error) {
	pos := p.curr.Position
	e, err := p.expression(fs)
	if err != nil {
		return Value{}, err
	}
	v, ok := p.expToConst(fs, e)
	if !ok {
		return Value{}, p.errorf(ErrNonConstantCase, pos, "case value must be a constant")
	}
	return v, nil
}

// codeCaseTest codes a comparison between the switch's control register
// and a case's constant value, returning the pc of the miss jump
// (taken when the values are not equal).
func (p *parser) codeCaseTest(fs *funcState, ctrlReg registerIndex, caseVal Value) (int, error) {
	ctrlExpr := newNonRelocExpDesc(ctrlReg)
	caseExpr := constToExp(caseVal)
	e, err := p.codeEq(fs, binaryOperatorNE, ctrlExpr, caseExpr)
	if err != nil {
		return 0, err
	}
	return e.pc(), nil
}

// reserveSwitchControl materializes a switch's control expression into a
// register that will not be reclaimed by ordinary temporary-register
// churn across the case tests, by declaring it as a synthetic local.
func (p *parser) reserveSwitchControl(fs *funcState, ctrl expDesc, line int) (registerIndex, error) {
	if _, err := p.newLocal(fs, "(switch)", hintNone, RegularVariable, line); err != nil {
		return 0, err
	}
	_, reg, err := p.exp2nextReg(fs, ctrl)
	if err != nil {
		return 0, err
	}
	p.adjustLocals(fs, 1)
	return reg, nil
}

// switchStatement parses a switch statement. Cases do not fall through:
// each case body is followed by an implicit jump to the switch's end.
//
//	stat ::= switch exp do {case constexp ':' block} [default ':' block] end
func (p *parser) switchStatement(fs *funcState, line int) error {
	p.advance() // 'switch'
	ctrl, err := p.expression(fs)
	if err != nil {
		return err
	}
	bl := p.enterBlock(fs, false)
	bl.isSwitch = true
	ctrlReg, err := p.reserveSwitchControl(fs, ctrl, line)
	if err != nil {
		return err
	}
	if p.curr.Kind != gmlex.DoToken {
		return p.errorf(ErrExpectedToken, p.curr.Position, "'do' expected near %v", p.curr)
	}
	p.advance()

	nextTest := noJump
	endJumps := noJump
	sawDefault := false
	seenCases := make(sets.Set[Value])
	if !isCaseFollow(p.curr.Kind) {
		return p.errorf(ErrUnexpectedToken, p.curr.Position, "'case' or 'default' expected near %v", p.curr)
	}
	for p.curr.Kind == gmlex.CaseToken || p.curr.Kind == gmlex.DefaultToken {
		if err := fs.patchToHere(nextTest); err != nil {
			return err
		}
		nextTest = noJump

		if p.curr.Kind == gmlex.DefaultToken {
			if sawDefault {
				return p.errorf(ErrUnexpectedToken, p.curr.Position, "multiple default clauses in switch")
			}
			sawDefault = true
			p.advance()
		} else {
			p.advance()
			caseVal, err := p.constantCaseExpression(fs)
			if err != nil {
				return err
			}
			if seenCases.Has(caseVal) {
				return p.errorf(ErrDuplicateCase, p.curr.Position, "duplicate case %v in switch", caseVal)
			}
			seenCases.Add(caseVal)
			nextTest, err = p.codeCaseTest(fs, ctrlReg, caseVal)
			if err != nil {
				return err
			}
		}
		if p.curr.Kind != gmlex.ColonToken {
			return p.errorf(ErrExpectedToken, p.curr.Position, "':' expected near %v", p.curr)
		}
		p.advance()

		for !isCaseFollow(p.curr.Kind) {
			if err := p.statement(fs); err != nil {
				return err
			}
		}

		pc := p.codeJump(fs)
		endJumps, err = fs.concatJumpList(endJumps, pc)
		if err != nil {
			return err
		}
	}
	if err := fs.patchToHere(nextTest); err != nil {
		return err
	}
	if err := fs.patchToHere(endJumps); err != nil {
		return err
	}
	if err := p.checkMatch(fs, gmlex.Position{Line: line}, gmlex.SwitchToken, gmlex.EndToken); err != nil {
		return err
	}
	return p.leaveBlock(fs)
}

// newGoto records a pending jump to a named label
// (used for both explicit gotos and break statements).
//
// Equivalent to `newgotoentry` in upstream Lua.
func (p *parser) newGoto(fs *funcState, name string, line int) error {
	pc := p.codeJump(fs)
	p.pendingGotos = append(p.pendingGotos, labelDescription{
		name:               name,
		pc:                 pc,
		position:           gmlex.Position{Line: line},
		numActiveVariables: fs.numActiveVariables,
	})
	return nil
}

// breakStatement parses a break statement.
func (p *parser) breakStatement(fs *funcState, line int) error {
	return p.newGoto(fs, "break", line)
}

// continueStatement parses a continue statement, with an optional numeral
// depth selecting an outer loop (default 1, the innermost loop).
// A continue that would have to cross a switch's boundary to find its
// loop is rejected, since a bare continue inside a case is ambiguous.
func (p *parser) continueStatement(fs *funcState, line int) error {
	depth := 1
	if p.curr.Kind == gmlex.NumeralToken {
		n, err := gmlex.ParseInt(p.curr.Value)
		if err != nil || n < 1 {
			return p.errorf(ErrUnexpectedToken, p.curr.Position, "invalid continue depth %q", p.curr.Value)
		}
		depth = int(n)
		p.advance()
	}

	bl, needsClose, err := fs.continueTarget(depth)
	if err != nil {
		switch {
		case errors.Is(err, errContinueCrossesSwitch):
			return p.errorf(ErrContinueInCase, gmlex.Position{Line: line}, "continue crosses switch boundary")
		case errors.Is(err, errContinueOutsideLoop):
			return p.errorf(ErrContinueOutsideLoop, gmlex.Position{Line: line}, "continue outside loop")
		default:
			return err
		}
	}

	if needsClose {
		level := p.registerLevel(fs, int(bl.numActiveVariables))
		p.code(fs, ABCInstruction(OpClose, uint8(level), 0, 0, false))
	}
	pc := p.codeJump(fs)
	return fs.addContinue(bl, pc)
}

// findLabel returns the index into p.labels of the visible label
// with the given name, if any.
//
// Equivalent to `findlabel` in upstream Lua.
func (p *parser) findLabel(fs *funcState, name string) (int, bool) {
	for i := fs.firstLabel; i < len(p.labels); i++ {
		if p.labels[i].name == name {
			return i, true
		}
	}
	return 0, false
}

// gotoStatement parses a goto statement.
//
// Equivalent to `gotostat` in upstream Lua.
func (p *parser) gotoStatement(fs *funcState, line int) error {
	name, err := p.name(fs)
	if err != nil {
		return err
	}
	if i, ok := p.findLabel(fs, name); ok {
		lb := &p.labels[i]
		pc := p.codeJump(fs)
		return fs.patchList(pc, lb.pc, noRegister, lb.pc)
	}
	return p.newGoto(fs, name, line)
}

// isLastStatementInBlock reports whether the current token
// can only follow the last statement of a block.
func (p *parser) isLastStatementInBlock() bool {
	return isBlockFollow(p.curr.Kind, true) || p.curr.Kind == gmlex.GotoToken
}

// labelStatement parses a label declaration (`::name::`).
//
// Equivalent to the label case of `statement` in upstream Lua.
func (p *parser) labelStatement(fs *funcState) error {
	pos := p.curr.Position
	p.advance() // '::'
	name, err := p.name(fs)
	if err != nil {
		return err
	}
	if p.curr.Kind != gmlex.LabelToken {
		return p.errorf(ErrExpectedToken, p.curr.Position, "'::' expected near %v", p.curr)
	}
	p.advance()
	if _, ok := p.findLabel(fs, name); ok {
		return p.errorf(ErrDuplicateLabel, pos, "label '%s' already defined", name)
	}
	isLast := p.isLastStatementInBlock()
	_, err = p.createLabel(fs, name, pos.Line, isLast)
	return err
}

// getLocalAttribute parses an optional `<const>` or `<close>` attribute
// following a local variable's name.
//
// Equivalent to `getlocalattribute` in upstream Lua.
func (p *parser) getLocalAttribute(fs *funcState) (VariableKind, error) {
	if p.curr.Kind != gmlex.LessToken {
		return RegularVariable, nil
	}
	p.advance()
	attr, err := p.name(fs)
	if err != nil {
		return RegularVariable, err
	}
	if p.curr.Kind != gmlex.GreaterToken {
		return RegularVariable, p.errorf(ErrExpectedToken, p.curr.Position, "'>' expected near %v", p.curr)
	}
	p.advance()
	switch attr {
	case "const":
		return LocalConst, nil
	case "close":
		return ToClose, nil
	default:
		return RegularVariable, p.errorf(ErrUnknownAttribute, p.curr.Position, "unknown attribute '%s'", attr)
	}
}

// newLocal declares a new local variable in the compiler's active variable
// list. It does not itself allocate a register; call [parser.adjustLocals]
// once all variables in a declaration have been added.
//
// Equivalent to `new_localvar` in upstream Lua.
func (p *parser) newLocal(fs *funcState, name string, hint typeHint, kind VariableKind, line int) (int, error) {
	if len(p.activeVariables)-fs.firstLocal >= maxLocals {
		return 0, p.errorf(ErrTooManyLocals, gmlex.Position{Line: line}, "too many local variables")
	}
	p.activeVariables = append(p.activeVariables, variableDescription{
		name:     name,
		kind:     kind,
		typeHint: hint,
	})
	return len(p.activeVariables) - fs.firstLocal - 1, nil
}

// adjustLocals activates the last nvars declared variables,
// binding each (other than compile-time constants) to the next register.
//
// Equivalent to `adjustlocalvars` in upstream Lua.
func (p *parser) adjustLocals(fs *funcState, nvars int) {
	reg := p.numVariablesInStack(fs)
	for i := 0; i < nvars; i++ {
		vidx := int(fs.numActiveVariables)
		fs.numActiveVariables++
		vd := p.localVariableDescription(fs, vidx)
		if vd.kind == CompileTimeConstant {
			continue
		}
		vd.ridx = reg
		reg++
		vd.pidx = uint16(len(fs.LocalVariables))
		fs.LocalVariables = append(fs.LocalVariables, LocalVariable{Name: vd.name, StartPC: len(fs.Code)})
	}
}

// localStatement parses a local variable declaration, including optional
// type hints and <const>/<close> attributes. A single <const> variable
// initialized by a foldable constant expression is folded away entirely.
//
//	stat ::= local attrnamelist ['=' explist]
//
// Equivalent to `localstat` in upstream Lua.
func (p *parser) localStatement(fs *funcState, line int) error {
	toClose := -1
	var names []string
	var hints []typeHint
	var kinds []VariableKind
	for {
		name, err := p.name(fs)
		if err != nil {
			return err
		}
		hint := hintNone
		if p.curr.Kind == gmlex.ColonToken {
			p.advance()
			var hintName string
			if p.curr.Kind == gmlex.FunctionToken {
				// The reserved word is not scanned as a name.
				hintName = "function"
				p.advance()
			} else if hintName, err = p.name(fs); err != nil {
				return err
			}
			h, ok := typeHintFromName(hintName)
			if !ok {
				return p.errorf(ErrUnknownTypeHint, p.curr.Position, "unknown type hint '%s'", hintName)
			}
			hint = h
		}
		kind, err := p.getLocalAttribute(fs)
		if err != nil {
			return err
		}
		if kind == ToClose {
			if toClose != -1 {
				return p.errorf(ErrMultipleToBeClosed, p.curr.Position, "multiple to-be-closed variables in local list")
			}
			toClose = len(names)
		}
		names = append(names, name)
		hints = append(hints, hint)
		kinds = append(kinds, kind)
		if p.curr.Kind != gmlex.CommaToken {
			break
		}
		p.advance()
	}

	last := voidExpDesc()
	nexps := 0
	if p.curr.Kind == gmlex.AssignToken {
		p.advance()
		var err error
		nexps, last, err = p.expressionList(fs)
		if err != nil {
			return err
		}
	}

	if len(names) == 1 && hints[0] != hintNone {
		p.checkTypeMismatch(fs, hints[0], last, gmlex.Position{Line: line}, fmt.Sprintf("local '%s'", names[0]))
	}

	if len(names) == 1 && nexps == 1 && kinds[0] == LocalConst {
		if v, ok := p.expToConst(fs, last); ok {
			if _, err := p.newLocal(fs, names[0], hints[0], CompileTimeConstant, line); err != nil {
				return err
			}
			p.activeVariables[len(p.activeVariables)-1].k = v
			p.adjustLocals(fs, 1)
			return nil
		}
	}

	for i, name := range names {
		if _, err := p.newLocal(fs, name, hints[i], kinds[i], line); err != nil {
			return err
		}
	}
	if err := p.adjustAssignment(fs, len(names), nexps, last); err != nil {
		return err
	}
	firstNewVar := int(fs.numActiveVariables)
	p.adjustLocals(fs, len(names))
	if toClose >= 0 {
		fs.markToBeClosed()
		vd := p.localVariableDescription(fs, firstNewVar+toClose)
		p.code(fs, ABCInstruction(OpTBC, uint8(vd.ridx), 0, 0, false))
	}
	return nil
}

// localFunctionStatement parses `local function name(...) ... end`.
// The name is visible inside the function body, to support recursion.
//
// Equivalent to `localfunc` in upstream Lua.
func (p *parser) localFunctionStatement(fs *funcState, line int) error {
	name, err := p.name(fs)
	if err != nil {
		return err
	}
	if _, err := p.newLocal(fs, name, hintNone, RegularVariable, line); err != nil {
		return err
	}
	p.adjustLocals(fs, 1)
	if err := fs.reserveRegisters(1); err != nil {
		return err
	}
	e, err := p.functionBody(fs, false, line)
	if err != nil {
		return err
	}
	vidx := int(fs.numActiveVariables) - 1
	reg := p.localVariableDescription(fs, vidx).ridx
	return p.codeStoreVar(fs, newLocalExpDesc(reg, uint16(vidx)), e)
}

// functionStatement parses `function Name{.Name}[:Name] body`.
//
// Equivalent to `funcstat` in upstream Lua.
func (p *parser) functionStatement(fs *funcState, line int) error {
	name, err := p.name(fs)
	if err != nil {
		return err
	}
	v, err := p.resolveNameAsVar(fs, name)
	if err != nil {
		return err
	}
	isMethod := false
	for p.curr.Kind == gmlex.DotToken {
		v, err = p.fieldSelector(fs, v)
		if err != nil {
			return err
		}
	}
	if p.curr.Kind == gmlex.ColonToken {
		p.advance()
		key, err := p.name(fs)
		if err != nil {
			return err
		}
		v, err = p.codeIndexed(fs, v, codeString(key))
		if err != nil {
			return err
		}
		isMethod = true
	}
	e, err := p.functionBody(fs, isMethod, line)
	if err != nil {
		return err
	}
	return p.codeStoreVar(fs, v, e)
}

// parameterList parses a parenthesized parameter list, including optional
// per-parameter type hints and a trailing '...'. The caller must have
// already consumed the opening '(' (or a lambda's opening '|').
//
// Equivalent to `parlist` in upstream Lua.
func (p *parser) parameterList(fs *funcState) error {
	numParams := 0
	if p.curr.Kind != gmlex.RParenToken && p.curr.Kind != gmlex.BitOrToken {
		for {
			if p.curr.Kind == gmlex.VarargToken {
				p.advance()
				p.setVariadic(fs, uint8(numParams))
				break
			}
			name, err := p.name(fs)
			if err != nil {
				return err
			}
			hint := hintNone
			if p.curr.Kind == gmlex.ColonToken {
				p.advance()
				hintName, err := p.name(fs)
				if err != nil {
					return err
				}
				h, ok := typeHintFromName(hintName)
				if !ok {
					return p.errorf(ErrUnknownTypeHint, p.curr.Position, "unknown type hint '%s'", hintName)
				}
				hint = h
			}
			if _, err := p.newLocal(fs, name, hint, RegularVariable, p.lastLine); err != nil {
				return err
			}
			numParams++
			if p.curr.Kind != gmlex.CommaToken {
				break
			}
			p.advance()
		}
	}
	fs.NumParams = uint8(numParams)
	p.adjustLocals(fs, numParams)
	return fs.reserveRegisters(numParams)
}

// codeClosure codes an OpClosure instruction in fs referencing the
// most recently added child prototype.
//
// Equivalent to `codeclosure` in upstream Lua.
func (p *parser) codeClosure(fs *funcState) expDesc {
	idx := len(fs.Functions) - 1
	pc := p.code(fs, ABxInstruction(OpClosure, 0, int32(idx)))
	return newRelocExpDesc(pc)
}

// functionBody parses a function's parameter list, optional return type
// hint, and body. The caller has consumed 'function' (or, for a method,
// the whole `function Name:Name` prefix) but not the opening '('.
//
// Equivalent to `funcbody` in upstream Lua.
func (p *parser) functionBody(fs *funcState, isMethod bool, line int) (expDesc, error) {
	proto := p.addPrototype(fs)
	proto.LineDefined = line
	proto.MaxStackSize = minStackSize
	child, _ := p.openFunction(fs, proto)

	if p.curr.Kind != gmlex.LParenToken {
		return voidExpDesc(), p.errorf(ErrExpectedToken, p.curr.Position, "'(' expected near %v", p.curr)
	}
	p.advance()
	if isMethod {
		if _, err := p.newLocal(child, "self", hintNone, RegularVariable, line); err != nil {
			return voidExpDesc(), err
		}
		p.adjustLocals(child, 1)
	}
	if err := p.parameterList(child); err != nil {
		return voidExpDesc(), err
	}
	if p.curr.Kind != gmlex.RParenToken {
		return voidExpDesc(), p.errorf(ErrExpectedToken, p.curr.Position, "')' expected near %v", p.curr)
	}
	p.advance()

	if p.curr.Kind == gmlex.ColonToken {
		p.advance()
		hintName, err := p.name(child)
		if err != nil {
			return voidExpDesc(), err
		}
		h, ok := typeHintFromName(hintName)
		if !ok {
			return voidExpDesc(), p.errorf(ErrUnknownTypeHint, p.curr.Position, "unknown type hint '%s'", hintName)
		}
		child.returnHint = h
	}

	if err := p.block(child); err != nil {
		return voidExpDesc(), err
	}
	proto.LastLineDefined = p.lastLine
	if err := p.checkMatch(child, gmlex.Position{Line: line}, gmlex.FunctionToken, gmlex.EndToken); err != nil {
		return voidExpDesc(), err
	}
	e := p.codeClosure(fs)
	if err := p.closeFunction(child); err != nil {
		return voidExpDesc(), err
	}
	return e, nil
}

// lambdaExpression parses a lambda literal `|params| -> exp`.
// The pipe token doubles as the bitwise-or operator; it is unambiguous
// here because a lambda can only begin a primary expression.
func (p *parser) lambdaExpression(fs *funcState) (expDesc, error) {
	line := p.curr.Position.Line
	p.advance() // '|'
	proto := p.addPrototype(fs)
	proto.LineDefined = line
	proto.MaxStackSize = minStackSize
	child, _ := p.openFunction(fs, proto)

	if err := p.parameterList(child); err != nil {
		return voidExpDesc(), err
	}
	if p.curr.Kind != gmlex.BitOrToken {
		return voidExpDesc(), p.errorf(ErrExpectedToken, p.curr.Position, "'|' expected near %v", p.curr)
	}
	p.advance()
	if p.curr.Kind != gmlex.ArrowToken {
		return voidExpDesc(), p.errorf(ErrExpectedToken, p.curr.Position, "'->' expected near %v", p.curr)
	}
	p.advance()

	body, err := p.expression(child)
	if err != nil {
		return voidExpDesc(), err
	}
	first := p.numVariablesInStack(child)
	nret := 1
	if body.kind.hasMultipleReturns() {
		if err := p.setReturns(child, body, multiReturn); err != nil {
			return voidExpDesc(), err
		}
		nret = multiReturn
	} else {
		if _, _, err := p.exp2nextReg(child, body); err != nil {
			return voidExpDesc(), err
		}
	}
	p.codeReturn(child, first, nret)
	proto.LastLineDefined = p.lastLine

	e := p.codeClosure(fs)
	if err := p.closeFunction(child); err != nil {
		return voidExpDesc(), err
	}
	return e, nil
}

// fieldSelector parses a production of:
//
//	'.' NAME | ':' NAME
//
// Equivalent to `fieldsel` in upstream Lua.
func (p *parser) fieldSelector(fs *funcState, v expDesc) (expDesc, error) {
	v, err := p.exp2anyregup(fs, v)
	if err != nil {
		return voidExpDesc(), err
	}
	p.advance() // Skip the dot or colon.
	key, err := p.name(fs)
	if err != nil {
		return voidExpDesc(), err
	}
	return p.codeIndexed(fs, v, codeString(key))
}

// safeFieldSelector parses a '?.' NAME suffix, extending the chain's
// nil-escape jump list with a guard that skips the rest of the suffix
// chain when v is currently falsy (nil or false).
func (p *parser) safeFieldSelector(fs *funcState, v expDesc, nilEscape int) (expDesc, int, error) {
	v, reg, err := p.exp2anyreg(fs, v)
	if err != nil {
		return voidExpDesc(), nilEscape, err
	}
	nilEscape, err = p.codeNilGuard(fs, reg, nilEscape)
	if err != nil {
		return voidExpDesc(), nilEscape, err
	}
	p.advance() // '?.'
	key, err := p.name(fs)
	if err != nil {
		return voidExpDesc(), nilEscape, err
	}
	result, err := p.codeIndexed(fs, newNonRelocExpDesc(reg), codeString(key))
	return result, nilEscape, err
}

// safeIndexSelector parses a '?[' exp ']' suffix, with the same
// nil-guarding behavior as [parser.safeFieldSelector].
func (p *parser) safeIndexSelector(fs *funcState, v expDesc, nilEscape int) (expDesc, int, error) {
	v, reg, err := p.exp2anyreg(fs, v)
	if err != nil {
		return voidExpDesc(), nilEscape, err
	}
	nilEscape, err = p.codeNilGuard(fs, reg, nilEscape)
	if err != nil {
		return voidExpDesc(), nilEscape, err
	}
	pos := p.curr.Position
	p.advance() // '?['
	k, err := p.expression(fs)
	if err != nil {
		return voidExpDesc(), nilEscape, err
	}
	k, err = p.expToValue(fs, k)
	if err != nil {
		return voidExpDesc(), nilEscape, err
	}
	if p.curr.Kind != gmlex.RBracketToken {
		return voidExpDesc(), nilEscape, p.errorf(ErrExpectedToken, pos, "']' expected near %v", p.curr)
	}
	p.advance()
	result, err := p.codeIndexed(fs, newNonRelocExpDesc(reg), k)
	return result, nilEscape, err
}

// codeNilGuard codes a test that jumps into nilEscape's jump list
// when reg currently holds a falsy value (nil or false).
func (p *parser) codeNilGuard(fs *funcState, reg registerIndex, nilEscape int) (int, error) {
	p.code(fs, ABCInstruction(OpTest, uint8(reg), 0, 0, false))
	pc := p.codeJump(fs)
	return fs.concatJumpList(nilEscape, pc)
}

// suffixedExpression parses a prefixexp production, extended with
// safe-navigation suffixes ('?.' and '?[').
//
//	prefixexp ::= var | functioncall | ‘(’ exp ‘)’
//	functioncall ::=  prefixexp args | prefixexp ‘:’ Name args
//	var ::=  Name | prefixexp ‘[’ exp ‘]’ | prefixexp ‘.’ Name
//		| prefixexp ‘?.’ Name | prefixexp ‘?[’ exp ‘]’
//
// Equivalent to `suffixedexp` in upstream Lua.
func (p *parser) suffixedExpression(fs *funcState) (expDesc, error) {
	var v expDesc
	switch p.curr.Kind {
	case gmlex.LParenToken:
		pos := p.curr.Position
		p.advance()
		var err error
		v, err = p.expression(fs)
		if err != nil {
			return voidExpDesc(), err
		}
		if err := p.checkMatch(fs, pos, gmlex.LParenToken, gmlex.RParenToken); err != nil {
			return voidExpDesc(), err
		}
		v = p.dischargeVars(fs, v)
	case gmlex.IdentifierToken:
		var err error
		v, err = p.singleVariable(fs)
		if err != nil {
			return voidExpDesc(), err
		}
	default:
		return voidExpDesc(), p.errorf(ErrUnexpectedToken, p.curr.Position, "unexpected symbol near %v", p.curr)
	}

	nilEscape := noJump
	for {
		switch p.curr.Kind {
		case gmlex.DotToken:
			var err error
			v, err = p.fieldSelector(fs, v)
			if err != nil {
				return voidExpDesc(), err
			}
		case gmlex.QuestionDotToken:
			var err error
			v, nilEscape, err = p.safeFieldSelector(fs, v, nilEscape)
			if err != nil {
				return voidExpDesc(), err
			}
		case gmlex.LBracketToken:
			pos := p.curr.Position
			var err error
			v, err = p.exp2anyregup(fs, v)
			if err != nil {
				return voidExpDesc(), err
			}
			p.advance()
			k, err := p.expression(fs)
			if err != nil {
				return voidExpDesc(), err
			}
			k, err = p.expToValue(fs, k)
			if err != nil {
				return voidExpDesc(), err
			}
			if err := p.checkMatch(fs, pos, gmlex.LBracketToken, gmlex.RBracketToken); err != nil {
				return voidExpDesc(), err
			}
			v, err = p.codeIndexed(fs, v, k)
			if err != nil {
				return voidExpDesc(), err
			}
		case gmlex.QuestionBracketToken:
			var err error
			v, nilEscape, err = p.safeIndexSelector(fs, v, nilEscape)
			if err != nil {
				return voidExpDesc(), err
			}
		case gmlex.ColonToken:
			p.advance()
			key, err := p.name(fs)
			if err != nil {
				return voidExpDesc(), err
			}
			v, err = p.codeSelf(fs, v, codeString(key))
			if err != nil {
				return voidExpDesc(), err
			}
			v, err = p.functionArguments(fs, v)
			if err != nil {
				return voidExpDesc(), err
			}
		case gmlex.LParenToken, gmlex.StringToken, gmlex.LBraceToken:
			var err error
			v, _, err = p.exp2nextReg(fs, v)
			if err != nil {
				return voidExpDesc(), err
			}
			v, err = p.functionArguments(fs, v)
			if err != nil {
				return voidExpDesc(), err
			}
		default:
			if nilEscape == noJump {
				return v, nil
			}
			v, reg, err := p.exp2nextReg(fs, v)
			if err != nil {
				return voidExpDesc(), err
			}
			_ = v
			endJump := p.codeJump(fs)
			if err := fs.patchToHere(nilEscape); err != nil {
				return voidExpDesc(), err
			}
			p.codeNil(fs, reg, 1)
			if err := fs.fixJump(endJump, fs.label()); err != nil {
				return voidExpDesc(), err
			}
			return newNonRelocExpDesc(reg), nil
		}
	}
}

// functionArguments parses an args production.
//
//	args ::=  ‘(’ [explist] ‘)’ | tableconstructor | LiteralString
//
// Equivalent to `funcargs` in upstream Lua.
func (p *parser) functionArguments(fs *funcState, f expDesc) (expDesc, error) {
	pos := p.curr.Position
	var args expDesc
	switch p.curr.Kind {
	case gmlex.LParenToken:
		p.advance()
		if p.curr.Kind == gmlex.RParenToken {
			// Empty argument list.
			args = voidExpDesc()
		} else {
			var err error
			_, args, err = p.expressionList(fs)
			if err != nil {
				return voidExpDesc(), err
			}
			if args.kind.hasMultipleReturns() {
				if err := p.setReturns(fs, args, multiReturn); err != nil {
					return voidExpDesc(), err
				}
			}
		}
		if p.curr.Kind != gmlex.RParenToken {
			return voidExpDesc(), p.errorf(ErrExpectedToken, pos, "')' expected near %v", p.curr)
		}
		p.advance()
	case gmlex.LBraceToken:
		return p.constructor(fs)
	case gmlex.StringToken:
		args = codeString(p.curr.Value)
		p.advance()
	default:
		return voidExpDesc(), p.errorf(ErrFunctionArgumentsExpected, p.curr.Position, "function arguments expected near %v", p.curr)
	}

	baseRegister := f.register()
	var numParams int
	if args.kind.hasMultipleReturns() {
		numParams = multiReturn
	} else {
		if args.kind != expKindVoid {
			// Close last argument.
			if _, _, err := p.exp2nextReg(fs, args); err != nil {
				return voidExpDesc(), err
			}
		}
		numParams = int(fs.firstFreeRegister) - (int(baseRegister) + 1)
	}
	pc := p.code(fs, ABCInstruction(OpCall, uint8(baseRegister), uint8(numParams+1), 2, false))
	fs.fixLineInfo(pos.Line)
	// Call removes function and arguments and leaves one result
	// (unless changed later).
	fs.firstFreeRegister = baseRegister + 1

	return newCallExpDesc(pc), nil
}

// constructor parses a "tableconstructor" production.
//
//	tableconstructor ::= ‘{’ [fieldlist] ‘}’
//	fieldlist ::= field {fieldsep field} [fieldsep]
//
// Equivalent to `constructor` in upstream Lua.
func (p *parser) constructor(fs *funcState) (expDesc, error) {
	start := p.curr.Position
	if p.curr.Kind != gmlex.LBraceToken {
		return voidExpDesc(), p.errorf(ErrExpectedToken, p.curr.Position, "'{' expected near %v", p.curr)
	}

	// Add a placeholder table-creation instruction; the size arguments
	// are backpatched by codeSetTableSize once the field count is known.
	pc := p.code(fs, ABCInstruction(OpNewTable, 0, 0, 0, false))
	p.code(fs, ExtraArgument(0))
	fs.fixLineInfo(start.Line)

	tableRegister, err := fs.reserveRegister()
	if err != nil {
		return voidExpDesc(), err
	}
	tableExpr := newNonRelocExpDesc(tableRegister)

	lastListItem := voidExpDesc()
	arraySize, hashSize, toStore := 0, 0, 0
	p.advance()
	if p.curr.Kind != gmlex.RBraceToken {
		for {
			if lastListItem.kind != expKindVoid {
				if _, _, err := p.exp2nextReg(fs, lastListItem); err != nil {
					return voidExpDesc(), err
				}
				lastListItem = voidExpDesc()

				if toStore == fieldsPerFlush {
					p.codeSetList(fs, tableRegister, arraySize, toStore)
					arraySize += toStore
					toStore = 0
				}
			}

			switch p.curr.Kind {
			case gmlex.IdentifierToken:
				// Can either be an expression or a record field.
				if p.peek().Kind == gmlex.AssignToken {
					if err := p.recordField(fs, tableExpr); err != nil {
						return voidExpDesc(), err
					}
					hashSize++
				} else {
					var err error
					lastListItem, err = p.expression(fs)
					if err != nil {
						return voidExpDesc(), err
					}
					toStore++
				}
			case gmlex.LBracketToken:
				if err := p.recordField(fs, tableExpr); err != nil {
					return voidExpDesc(), err
				}
				hashSize++
			default:
				var err error
				lastListItem, err = p.expression(fs)
				if err != nil {
					return voidExpDesc(), err
				}
				toStore++
			}

			if p.curr.Kind != gmlex.CommaToken && p.curr.Kind != gmlex.SemiToken {
				break
			}
			p.advance()
		}
	}
	if err := p.checkMatch(fs, start, gmlex.LBraceToken, gmlex.RBraceToken); err != nil {
		return voidExpDesc(), err
	}

	if toStore > 0 {
		if lastListItem.kind.hasMultipleReturns() {
			if err := p.setReturns(fs, lastListItem, multiReturn); err != nil {
				return voidExpDesc(), err
			}
			p.codeSetList(fs, tableRegister, arraySize, multiReturn)
			// Do not count last expression (unknown number of elements).
			toStore--
		} else {
			if lastListItem.kind != expKindVoid {
				if _, _, err := p.exp2nextReg(fs, lastListItem); err != nil {
					return voidExpDesc(), err
				}
			}
			p.codeSetList(fs, tableRegister, arraySize, toStore)
		}

		arraySize += toStore
		toStore = 0
	}

	p.codeSetTableSize(fs, pc, tableRegister, arraySize, hashSize)

	return tableExpr, nil
}

// recordField parses a field production.
//
//	field ::= ‘[’ exp ‘]’ ‘=’ exp | Name ‘=’ exp | exp
//
// Roughly equivalent to `recfield` in upstream Lua.
func (p *parser) recordField(fs *funcState, table expDesc) error {
	// Free temporary registers used.
	defer func(original registerIndex) {
		fs.firstFreeRegister = original
	}(fs.firstFreeRegister)

	var key expDesc
	switch p.curr.Kind {
	case gmlex.IdentifierToken:
		key = codeString(p.curr.Value)
		p.advance()
	case gmlex.LBracketToken:
		start := p.curr.Position
		p.advance()
		var err error
		key, err = p.expression(fs)
		if err != nil {
			return err
		}
		key, err = p.expToValue(fs, key)
		if err != nil {
			return err
		}
		if err := p.checkMatch(fs, start, gmlex.LBracketToken, gmlex.RBracketToken); err != nil {
			return err
		}
	default:
		return p.errorf(ErrExpectedToken, p.curr.Position, "name or '[' expected near %v", p.curr)
	}

	if p.curr.Kind != gmlex.AssignToken {
		return p.errorf(ErrExpectedToken, p.curr.Position, "'=' expected near %v", p.curr)
	}
	p.advance()

	index, err := p.codeIndexed(fs, table, key)
	if err != nil {
		return err
	}
	value, err := p.expression(fs)
	if err != nil {
		return err
	}
	return p.codeStoreVar(fs, index, value)
}

// singleVariable parses an identifier and resolves it as a variable.
//
// Equivalent to `singlevar` in upstream Lua.
func (p *parser) singleVariable(fs *funcState) (expDesc, error) {
	name, err := p.name(fs)
	if err != nil {
		return voidExpDesc(), err
	}
	return p.resolveNameAsVar(fs, name)
}

// resolveNameAsVar resolves an already-parsed identifier as a variable,
// rewriting an unresolved name into a global (an _ENV field access).
//
// Equivalent to the fallback branch of `singlevar` in upstream Lua.
func (p *parser) resolveNameAsVar(fs *funcState, name string) (expDesc, error) {
	// Find local variable.
	if v, err := p.resolveName(fs, name, true); err != nil || v.kind != expKindVoid {
		return v, err
	}
	// Global name: rewrite into _ENV access.
	v, err := p.resolveName(fs, envName, true)
	if err != nil {
		return voidExpDesc(), err
	}
	if v.kind == expKindVoid {
		return voidExpDesc(), fmt.Errorf("internal error: %s does not exist", envName)
	}
	v, err = p.exp2anyregup(fs, v)
	if err != nil {
		return voidExpDesc(), err
	}
	return p.codeIndexed(fs, v, codeString(name))
}

// resolveName finds the variable with the given name.
// If it is an upvalue, add this upvalue into all intermediate functions.
// If the name could not be found, then the returned expression's kind is [expKindVoid].
//
// Equivalent to `singlevaraux` in upstream Lua.
func (p *parser) resolveName(fs *funcState, name string, base bool) (expDesc, error) {
	if fs == nil {
		return voidExpDesc(), nil
	}

	if v, ok := p.searchVariable(fs, name); ok {
		if v.kind == expKindLocal && !base {
			// Local will be used as an upvalue.
			fs.markUpvalue(v.localIndex(0))
		}
		return v, nil
	}
	// Not found as local at current level; try upvalues.
	if i, ok := fs.searchUpvalue(name); ok {
		return newUpvalExpDesc(i), nil
	}

	// Not found? Try upper levels.
	v, err := p.resolveName(fs.prev, name, false)
	if err != nil {
		return voidExpDesc(), err
	}
	switch v.kind {
	case expKindLocal:
		if len(fs.Upvalues) >= maxUpvalues {
			return voidExpDesc(), fmt.Errorf("too many upvalues")
		}
		up := UpvalueDescriptor{
			Name:    name,
			Kind:    p.localVariableDescription(fs.prev, v.localIndex(0)).kind,
			Index:   uint8(v.register()),
			InStack: true,
		}
		fs.Upvalues = append(fs.Upvalues, up)
		return newUpvalExpDesc(upvalueIndex(len(fs.Upvalues) - 1)), nil
	case expKindUpval:
		if len(fs.Upvalues) >= maxUpvalues {
			return voidExpDesc(), fmt.Errorf("too many upvalues")
		}
		up := UpvalueDescriptor{
			Name:  name,
			Kind:  fs.prev.Upvalues[v.upvalueIndex()].Kind,
			Index: uint8(v.upvalueIndex()),
		}
		fs.Upvalues = append(fs.Upvalues, up)
		return newUpvalExpDesc(upvalueIndex(len(fs.Upvalues) - 1)), nil
	default:
		return v, nil
	}
}

// numeralExpDesc classifies and parses a numeral token's text
// into an integer or floating-point constant expression.
func numeralExpDesc(s string) (expDesc, error) {
	isHex := len(s) > 1 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
	isFloat := false
	if isHex {
		for i := 2; i < len(s); i++ {
			if c := s[i]; c == '.' || c == 'p' || c == 'P' {
				isFloat = true
				break
			}
		}
	} else {
		for i := 0; i < len(s); i++ {
			if c := s[i]; c == '.' || c == 'e' || c == 'E' {
				isFloat = true
				break
			}
		}
	}
	if isFloat {
		f, err := gmlex.ParseNumber(s)
		if err != nil {
			return voidExpDesc(), err
		}
		return newFloatConstExpDesc(f), nil
	}
	i, err := gmlex.ParseInt(s)
	if err != nil {
		return voidExpDesc(), err
	}
	return newIntConstExpDesc(i), nil
}

// simpleExpression parses an expression without operators.
//
// Equivalent to `simpleexp` in upstream Lua.
func (p *parser) simpleExpression(fs *funcState) (expDesc, error) {
	switch p.curr.Kind {
	case gmlex.NumeralToken:
		e, err := numeralExpDesc(p.curr.Value)
		if err != nil {
			return voidExpDesc(), p.errorf(ErrUnexpectedToken, p.curr.Position, "malformed number near '%s'", p.curr.Value)
		}
		p.advance()
		return e, nil
	case gmlex.StringToken:
		e := codeString(p.curr.Value)
		p.advance()
		return e, nil
	case gmlex.NilToken:
		p.advance()
		return newExpDesc(expKindNil), nil
	case gmlex.TrueToken:
		p.advance()
		return newExpDesc(expKindTrue), nil
	case gmlex.FalseToken:
		p.advance()
		return newExpDesc(expKindFalse), nil
	case gmlex.VarargToken:
		if !fs.IsVararg {
			return voidExpDesc(), p.errorf(ErrVarargOutsideVarargFunc, p.curr.Position, "cannot use '...' outside a vararg function")
		}
		p.advance()
		pc := p.code(fs, ABCInstruction(OpVararg, 0, 0, 1, false))
		return newVarargExpDesc(pc), nil
	case gmlex.LBraceToken:
		return p.constructor(fs)
	case gmlex.FunctionToken:
		p.advance()
		return p.functionBody(fs, false, p.lastLine)
	case gmlex.BitOrToken:
		return p.lambdaExpression(fs)
	case gmlex.IfToken:
		return p.ifExpression(fs)
	default:
		return p.suffixedExpression(fs)
	}
}

// name verifies that the current token is an identifier
// then advances to the next token
// and returns the identifier value.
//
// Equivalent to `str_checkname` in upstream Lua.
func (p *parser) name(fs *funcState) (string, error) {
	if p.curr.Kind != gmlex.IdentifierToken {
		return "", p.errorf(ErrExpectedToken, p.curr.Position, "name expected near %v", p.curr)
	}
	v := p.curr.Value
	p.advance()
	return v, nil
}

// checkMatch verifies that the current token is the closing token
// and advances past it.
// If the current token is not the closing token,
// then checkMatch returns an error.
//
// Equivalent to `check_match` in upstream Lua.
func (p *parser) checkMatch(fs *funcState, start gmlex.Position, open, close gmlex.TokenKind) error {
	if p.curr.Kind == close {
		p.advance()
		return nil
	}
	var msg string
	if p.curr.Position.Line == start.Line {
		msg = fmt.Sprintf("'%v' expected", close)
	} else {
		msg = fmt.Sprintf("'%v' expected (to close '%v' at %v)", close, open, start)
	}
	return p.errorf(ErrExpectedToken, p.curr.Position, "%s", msg)
}

// searchVariable looks for an active variable with the given name in the function.
//
// Equivalent to `searchvar` in upstream Lua.
func (p *parser) searchVariable(fs *funcState, n string) (_ expDesc, found bool) {
	for i := int(fs.numActiveVariables) - 1; i >= 0; i-- {
		vd := p.localVariableDescription(fs, i)
		if vd.name == n {
			if vd.kind == CompileTimeConstant {
				return newConstLocalExpDesc(fs.firstLocal + i), true
			}
			return newLocalExpDesc(vd.ridx, uint16(i)), true
		}
	}
	return voidExpDesc(), false
}

// removeVariables closes the scope for all variables up to the given level.
//
// Equivalent to `removevars` in upstream Lua.
func (p *parser) removeVariables(fs *funcState, toLevel int) {
	p.activeVariables = p.activeVariables[:len(p.activeVariables)-(int(fs.numActiveVariables)-toLevel)]
	for int(fs.numActiveVariables) > toLevel {
		fs.numActiveVariables--
		if v := p.localDebugInfo(fs, int(fs.numActiveVariables)); v != nil {
			v.EndPC = len(fs.Code)
		}
	}
}

// localDebugInfo returns the debug information for current variable vidx.
//
// Equivalent to `localdebuginfo` in upstream Lua.
func (p *parser) localDebugInfo(fs *funcState, vidx int) *LocalVariable {
	vd := p.localVariableDescription(fs, vidx)
	if vd.kind == CompileTimeConstant {
		// Constants don't have debug information.
		return nil
	}
	return &fs.LocalVariables[vd.pidx]
}

// registerLevel converts a compiler index level to its corresponding register.
// It searches for the highest variable below that level
// that is in a register
// and uses its register index ('ridx') plus one.
//
// Equivalent to `reglevel` in upstream Lua.
func (p *parser) registerLevel(fs *funcState, nvar int) registerIndex {
	for nvar > 0 {
		nvar--
		prevVar := p.localVariableDescription(fs, nvar)
		if prevVar.kind != CompileTimeConstant {
			return prevVar.ridx + 1
		}
	}
	return 0
}

// numVariablesInStack returns the number of variables in the register stack
// for the given function.
//
// Equivalent to `luaY_nvarstack` in upstream Lua.
func (p *parser) numVariablesInStack(fs *funcState) registerIndex {
	return p.registerLevel(fs, int(fs.numActiveVariables))
}

// variableDescription is a description of an active local variable.
type variableDescription struct {
	name string
	kind VariableKind
	// ridx is the register holding the variable.
	ridx registerIndex
	// pidx is the index of the variable in the Prototype's LocalVars slice.
	pidx uint16
	// k is the constant value (if any).
	k Value
	// typeHint is the declared type hint, if any.
	typeHint typeHint
}

// localVariableDescription describes the i'th local variable
// in the given function.
//
// Equivalent to `getlocalvardesc` in upstream Lua.
func (p *parser) localVariableDescription(fs *funcState, i int) *variableDescription {
	// Entries past len(p.activeVariables) are variables that were just
	// removed; their descriptions stay in the backing array until reused.
	return &p.activeVariables[:cap(p.activeVariables)][fs.firstLocal+i]
}

// labelDescription is a description of pending goto statements and label statements.
type labelDescription struct {
	name string
	// pc is the position in code.
	pc int
	// position is the source position where the label appeared.
	position gmlex.Position
	// numActiveVariables is the number of active variables in that position.
	numActiveVariables uint8
	// close is the goto that escapes upvalues.
	close bool
}

// createLabel create a new label with the given name at the given line.
// last tells whether label is the last non-op statement in its block.
// Solves all pending gotos to this new label
// and adds a close instruction if necessary.
// createLabel returns true if and only if it added a close instruction.
//
// Equivalent to `createlabel` in upstream Lua.
func (p *parser) createLabel(fs *funcState, name string, line int, last bool) (addedClose bool, err error) {
	n := fs.numActiveVariables
	if last {
		n = fs.blocks.numActiveVariables
	}
	p.labels = append(p.labels, labelDescription{
		name:               name,
		position:           gmlex.Position{Line: line},
		numActiveVariables: n,
		pc:                 fs.label(),
	})
	needsClose, err := p.solveGotos(fs, &p.labels[len(p.labels)-1])
	if err != nil {
		return false, err
	}
	if !needsClose {
		return false, nil
	}
	p.code(fs, ABCInstruction(OpClose, uint8(p.numVariablesInStack(fs)), 0, 0, false))
	return true, nil
}

// solveGotos solves forward jumps:
// it checks whether new label lb matches any pending gotos in the current block
// and solves them.
// Return true if any of the gotos need to close upvalues.
//
// Equivalent to `solvegotos` in upstream Lua.
func (p *parser) solveGotos(fs *funcState, lb *labelDescription) (needsClose bool, err error) {
	for i := fs.blocks.firstGoto; i < len(p.pendingGotos); {
		if p.pendingGotos[i].name != lb.name {
			i++
			continue
		}
		needsClose = needsClose || p.pendingGotos[i].close
		// Will remove the i'th pending goto from the list.
		if err := p.solveGoto(fs, i, lb); err != nil {
			return needsClose, err
		}
	}
	return needsClose, nil
}

// solveGoto solves the pending goto at index g to given label
// and removes it from the list of pending gotos.
// If the pending goto jumps into the scope of some variable, solveGoto returns an error.
//
// Equivalent to `solvegoto` in upstream Lua.
func (p *parser) solveGoto(fs *funcState, g int, lb *labelDescription) error {
	gt := &p.pendingGotos[g]
	if gt.numActiveVariables < lb.numActiveVariables {
		// It entered a scope.
		varName := p.localVariableDescription(fs, int(gt.numActiveVariables)).name
		return p.errorf(ErrJumpIntoScope, gt.position, "goto %s jumps into the scope of local '%s'", gt.name, varName)
	}
	if err := fs.patchList(gt.pc, lb.pc, noRegister, lb.pc); err != nil {
		return p.errorf(ErrControlStructureTooLong, gt.position, "%s", err)
	}
	p.pendingGotos = slices.Delete(p.pendingGotos, g, g+1)
	return nil
}
