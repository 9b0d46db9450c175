// Package mathchan evaluates workspace math channels over decoded LD samples.
//
// Expressions use expr-lang syntax. Channels are referenced by name in single
// quotes ('Engine RPM'), or bare when the name is already a valid identifier.
// Channels named after a function or an expr keyword must be quoted. The row
// timestamp is available as t.
package mathchan

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/motec-viewer/backend/internal/models"
)

var (
	// ErrUnresolvedChannel means an expression names a channel the log does not have.
	ErrUnresolvedChannel = errors.New("unresolved channel reference")
	// ErrEmptyExpression is returned for blank expressions.
	ErrEmptyExpression = errors.New("empty expression")
)

// TimeVar is the identifier bound to the row timestamp.
const TimeVar = "t"

// Channel is a computed channel with one value per sample row.
type Channel struct {
	Name       string    `json:"name" yaml:"name"`
	Units      string    `json:"units,omitempty" yaml:"units,omitempty"`
	Expression string    `json:"expression" yaml:"expression"`
	Values     []float64 `json:"values" yaml:"values"`
}

// Expression is a compiled math channel bound to a fixed set of input channels.
type Expression struct {
	Name    string
	Units   string
	Source  string
	program *vm.Program
	// inputs maps env identifier to column position in the channel set it was compiled against.
	inputs map[string]int
}

// Compile rewrites channel references in source and compiles it against the
// given channel names. Every referenced channel must be present in channels.
func Compile(name, source string, channels []string) (*Expression, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("%s: %w", name, ErrEmptyExpression)
	}

	positions := make(map[string]int, len(channels))
	for i, ch := range channels {
		if _, dup := positions[ch]; !dup {
			positions[ch] = i
		}
	}

	rewritten, inputs, err := rewrite(source, positions)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	env := make(map[string]interface{}, len(inputs)+1)
	env[TimeVar] = 0.0
	for ident := range inputs {
		env[ident] = 0.0
	}

	opts := append([]expr.Option{expr.Env(env), expr.AsFloat64()}, mathFunctions()...)
	program, err := expr.Compile(rewritten, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: compile %q: %w", name, source, err)
	}

	return &Expression{
		Name:    name,
		Source:  source,
		program: program,
		inputs:  inputs,
	}, nil
}

// Evaluate runs the expression over every sample row of ld.
func (e *Expression) Evaluate(ld *models.LDFile) (*Channel, error) {
	return e.evaluate(ld.Samples, nil)
}

// evaluate runs over samples whose Values may be extended by extra columns
// (earlier math channels), addressed after the log's own channels.
func (e *Expression) evaluate(samples []models.LDSample, extra [][]float64) (*Channel, error) {
	out := &Channel{
		Name:       e.Name,
		Units:      e.Units,
		Expression: e.Source,
		Values:     make([]float64, len(samples)),
	}

	env := make(map[string]interface{}, len(e.inputs)+1)
	for row, sample := range samples {
		env[TimeVar] = sample.Timestamp
		for ident, col := range e.inputs {
			env[ident] = column(sample, extra, row, col)
		}

		v, err := expr.Run(e.program, env)
		if err != nil {
			return nil, fmt.Errorf("%s: row %d: %w", e.Name, row, err)
		}
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("%s: row %d: non-numeric result %T", e.Name, row, v)
		}
		out.Values[row] = f
	}

	return out, nil
}

func column(sample models.LDSample, extra [][]float64, row, col int) float64 {
	if col < len(sample.Values) {
		return sample.Values[col]
	}
	col -= len(sample.Values)
	if col < len(extra) && row < len(extra[col]) {
		return extra[col][row]
	}
	return math.NaN()
}

// rewrite replaces quoted channel names and bare channel identifiers with
// generated identifiers. Text inside double quotes and numeric literals is
// left alone. A bare word is not a channel reference when it follows '.',
// is called like a function, or is an expr keyword; quote the name instead.
func rewrite(source string, positions map[string]int) (string, map[string]int, error) {
	inputs := make(map[string]int)
	identFor := func(col int) string {
		ident := fmt.Sprintf("ch_%d", col)
		inputs[ident] = col
		return ident
	}

	var b strings.Builder
	runes := []rune(source)
	prev := rune(0) // last non-space rune copied to the output
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case r == '\'':
			end := indexRune(runes, i+1, '\'')
			if end < 0 {
				return "", nil, fmt.Errorf("unterminated channel reference at offset %d", i)
			}
			ref := string(runes[i+1 : end])
			col, ok := positions[ref]
			if !ok {
				return "", nil, fmt.Errorf("%w: %q", ErrUnresolvedChannel, ref)
			}
			b.WriteString(identFor(col))
			prev = '\''
			i = end + 1

		case r == '"':
			end := indexRune(runes, i+1, '"')
			if end < 0 {
				end = len(runes) - 1
			}
			b.WriteString(string(runes[i : end+1]))
			prev = '"'
			i = end + 1

		case unicode.IsDigit(r):
			// 1e3, 0x1F, 2.5
			j := i + 1
			for j < len(runes) && (isIdentPart(runes[j]) || runes[j] == '.') {
				j++
			}
			b.WriteString(string(runes[i:j]))
			prev = runes[j-1]
			i = j

		case isIdentStart(r):
			j := i + 1
			for j < len(runes) && isIdentPart(runes[j]) {
				j++
			}
			word := string(runes[i:j])
			col, ok := positions[word]
			if ok && word != TimeVar && prev != '.' && !exprKeywords[word] && nextNonSpace(runes, j) != '(' {
				b.WriteString(identFor(col))
			} else {
				b.WriteString(word)
			}
			prev = runes[j-1]
			i = j

		default:
			b.WriteRune(r)
			if !unicode.IsSpace(r) {
				prev = r
			}
			i++
		}
	}

	return b.String(), inputs, nil
}

// exprKeywords are words expr reserves for operators and literals.
var exprKeywords = map[string]bool{
	"and": true, "or": true, "not": true, "in": true, "matches": true,
	"contains": true, "startsWith": true, "endsWith": true,
	"true": true, "false": true, "nil": true, "let": true, "if": true, "else": true,
}

func nextNonSpace(runes []rune, from int) rune {
	for i := from; i < len(runes); i++ {
		if !unicode.IsSpace(runes[i]) {
			return runes[i]
		}
	}
	return 0
}

func indexRune(runes []rune, from int, target rune) int {
	for i := from; i < len(runes); i++ {
		if runes[i] == target {
			return i
		}
	}
	return -1
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return isIdentStart(r) || unicode.IsDigit(r)
}

// mathFunctions adds the float helpers expr does not ship as builtins.
func mathFunctions() []expr.Option {
	unary := map[string]func(float64) float64{
		"sqrt": math.Sqrt,
		"sin":  math.Sin,
		"cos":  math.Cos,
		"tan":  math.Tan,
		"exp":  math.Exp,
		"log":  math.Log,
	}

	opts := make([]expr.Option, 0, len(unary)+1)
	for name, fn := range unary {
		fn := fn
		opts = append(opts, expr.Function(name, func(params ...any) (any, error) {
			return fn(toFloat(params[0])), nil
		}, new(func(float64) float64)))
	}
	opts = append(opts, expr.Function("pow", func(params ...any) (any, error) {
		return math.Pow(toFloat(params[0]), toFloat(params[1])), nil
	}, new(func(float64, float64) float64)))

	return opts
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return math.NaN()
}
