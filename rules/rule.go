package rules

import (
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/jellydator/ttlcache/v3"
)

const (
	DefaultCacheSize = 512
	DefaultCacheTTL  = 30 * time.Minute
)

// Evaluator defines the interface for evaluating rule expressions.
type Evaluator interface {
	Evaluate(expression string, env map[string]interface{}) (bool, error)
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
//
// Expressions are compiled without a typed environment, so one compiled
// program serves every attribute map regardless of the value types it holds.
// Names missing from the map evaluate to nil.
type ExprEvaluator struct {
	cache *ttlcache.Cache[string, *vm.Program]
}

// Option configures an ExprEvaluator.
type Option func(*options)

type options struct {
	size uint64
	ttl  time.Duration
}

// WithCacheSize bounds the number of compiled programs kept.
func WithCacheSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.size = uint64(size)
		}
	}
}

// WithCacheTTL sets how long an unused compiled program is kept.
func WithCacheTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// NewExprEvaluator creates a new ExprEvaluator with a bounded program cache.
// List filters come from callers, so the cache is capped rather than a plain map.
func NewExprEvaluator(opts ...Option) *ExprEvaluator {
	o := options{size: DefaultCacheSize, ttl: DefaultCacheTTL}
	for _, opt := range opts {
		opt(&o)
	}
	return &ExprEvaluator{
		cache: ttlcache.New(
			ttlcache.WithCapacity[string, *vm.Program](o.size),
			ttlcache.WithTTL[string, *vm.Program](o.ttl),
		),
	}
}

// Compile compiles expression, or returns the cached program.
func (e *ExprEvaluator) Compile(expression string) (*vm.Program, error) {
	if item := e.cache.Get(expression); item != nil {
		return item.Value(), nil
	}
	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	e.cache.Set(expression, program, ttlcache.DefaultTTL)
	return program, nil
}

// Check reports whether expression compiles, without caching it.
func Check(expression string) error {
	_, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	return err
}

// Evaluate evaluates the given expression against the provided environment.
// The expression must evaluate to a boolean; otherwise, an error is returned.
// Returns false and an error if compilation, execution, or type assertion fails.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	program, err := e.Compile(expression)
	if err != nil {
		return false, err
	}

	if env == nil {
		env = map[string]interface{}{}
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}

// Len reports how many compiled programs are cached.
func (e *ExprEvaluator) Len() int {
	return e.cache.Len()
}
