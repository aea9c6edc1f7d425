package topology

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/sproutlab/sprout/internal/model"
)

// The condition grammar is a single comparison:
//
//	condition := side '.' property OP literal
//	side      := "source" | "target"
//	OP        := "==" | "!=" | "<" | "<=" | ">" | ">="
//	literal   := "true" | "false" | number | '"' string '"' | "'" string "'"
//
// An empty condition always passes. Ordering operators require numeric
// operands; equality compares bools, numbers (with widening), and strings
// exactly. Anything else fails the parse, and a failed parse or property
// fetch evaluates to false.

type condSide int

const (
	condSource condSide = iota
	condTarget
)

type condOp int

const (
	opEq condOp = iota
	opNe
	opLt
	opLe
	opGt
	opGe
)

type condition struct {
	side     condSide
	property string
	op       condOp
	literal  any
}

// parseCondition parses expr into its three parts.
func parseCondition(expr string) (*condition, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}

	op, opIdx, opLen := findOperator(expr)
	if opIdx < 0 {
		return nil, fmt.Errorf("no comparison operator in %q", expr)
	}

	lhs := strings.TrimSpace(expr[:opIdx])
	rhs := strings.TrimSpace(expr[opIdx+opLen:])

	sideStr, prop, ok := strings.Cut(lhs, ".")
	if !ok || prop == "" {
		return nil, fmt.Errorf("left side %q is not side.Property", lhs)
	}
	var side condSide
	switch sideStr {
	case "source":
		side = condSource
	case "target":
		side = condTarget
	default:
		return nil, fmt.Errorf("unknown side %q", sideStr)
	}

	lit, err := parseLiteral(rhs)
	if err != nil {
		return nil, err
	}
	return &condition{side: side, property: prop, op: op, literal: lit}, nil
}

// findOperator locates the comparison operator, longest match first so
// "<=" is not read as "<".
func findOperator(expr string) (condOp, int, int) {
	type cand struct {
		text string
		op   condOp
	}
	for _, c := range []cand{
		{"==", opEq}, {"!=", opNe}, {"<=", opLe}, {">=", opGe}, {"<", opLt}, {">", opGt},
	} {
		if i := strings.Index(expr, c.text); i >= 0 {
			return c.op, i, len(c.text)
		}
	}
	return 0, -1, 0
}

func parseLiteral(s string) (any, error) {
	switch {
	case s == "true":
		return true, nil
	case s == "false":
		return false, nil
	case len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0]:
		return s[1 : len(s)-1], nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, nil
	}
	return nil, fmt.Errorf("bad literal %q", s)
}

// evaluate resolves the condition against a fetched property value.
func (c *condition) evaluate(value any) (bool, error) {
	switch c.op {
	case opEq, opNe:
		eq, err := looseEqual(value, c.literal)
		if err != nil {
			return false, err
		}
		if c.op == opNe {
			return !eq, nil
		}
		return eq, nil
	default:
		lf, lok := model.AsFloat(value)
		rf, rok := model.AsFloat(c.literal)
		if !lok || !rok {
			return false, fmt.Errorf("ordering comparison needs numeric operands, got %T and %T", value, c.literal)
		}
		switch c.op {
		case opLt:
			return lf < rf, nil
		case opLe:
			return lf <= rf, nil
		case opGt:
			return lf > rf, nil
		default:
			return lf >= rf, nil
		}
	}
}

// looseEqual compares with numeric widening but no other coercion.
func looseEqual(a, b any) (bool, error) {
	if af, ok := model.AsFloat(a); ok {
		bf, ok := model.AsFloat(b)
		if !ok {
			return false, fmt.Errorf("type mismatch: %T vs %T", a, b)
		}
		return af == bf, nil
	}
	switch av := a.(type) {
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return false, fmt.Errorf("type mismatch: bool vs %T", b)
		}
		return av == bv, nil
	case string:
		bv, ok := b.(string)
		if !ok {
			return false, fmt.Errorf("type mismatch: string vs %T", b)
		}
		return av == bv, nil
	default:
		return false, fmt.Errorf("uncomparable operand type %T", a)
	}
}

// EvaluateCondition evaluates c's condition. Empty conditions pass. Parse
// errors and failed property reads evaluate to false and are logged.
func (s *Service) EvaluateCondition(ctx context.Context, c Connection) bool {
	cond, err := parseCondition(c.Condition)
	if err != nil {
		s.logger.WithError(err).Warnf("connection %s: condition parse failed", c.ConnectionID)
		return false
	}
	if cond == nil {
		return true
	}

	deviceID := c.SourceID
	if cond.side == condTarget {
		deviceID = c.TargetID
	}
	value, ok, err := s.readProperty(ctx, deviceID, cond.property)
	if err != nil {
		s.logger.WithError(err).Warnf("connection %s: read %s.%s failed", c.ConnectionID, deviceID, cond.property)
		return false
	}
	if !ok {
		s.logger.Debugf("connection %s: property %s.%s absent", c.ConnectionID, deviceID, cond.property)
		return false
	}

	pass, err := cond.evaluate(value)
	if err != nil {
		s.logger.WithError(err).Warnf("connection %s: condition evaluation failed", c.ConnectionID)
		return false
	}
	return pass
}

// readProperty fetches via the short-TTL cache so a burst of publishes does
// not hammer the persistence layer with identical reads.
func (s *Service) readProperty(ctx context.Context, deviceID uuid.UUID, name string) (any, bool, error) {
	key := deviceID.String() + "/" + name
	if cached, found := s.propCache.Get(key); found {
		return cached.value, cached.ok, nil
	}

	value, ok, err := s.reader.ReadProperty(ctx, deviceID, name)
	if err != nil {
		return nil, false, err
	}
	s.propCache.Set(key, cachedProp{value: value, ok: ok})
	return value, ok, nil
}
