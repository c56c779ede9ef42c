package gate

import (
	"strconv"
	"strings"
)

// evalSkipIf evaluates the tiny, total skip expression language.
// The second return reports whether the expression was understood;
// callers treat unknown expressions as false and surface a warning.
func evalSkipIf(expr string, scope *Scope) (value, known bool) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, true
	}

	if rest, ok := strings.CutPrefix(expr, "gate."); ok {
		name, attr, found := strings.Cut(rest, ".")
		if !found || attr != "passed" || name == "" {
			return false, false
		}
		// A gate that has not run yet (or does not exist) has not
		// passed; the reference itself is still a known expression.
		prior, ok := scope.Prior[name]
		return ok && prior.Passed && !prior.Skipped, true
	}

	fields := strings.Fields(expr)
	if len(fields) == 3 && fields[0] == "iteration" {
		n, err := strconv.Atoi(fields[2])
		if err != nil {
			return false, false
		}
		switch fields[1] {
		case "<":
			return scope.Iteration < n, true
		case ">":
			return scope.Iteration > n, true
		case "<=":
			return scope.Iteration <= n, true
		case ">=":
			return scope.Iteration >= n, true
		case "==":
			return scope.Iteration == n, true
		}
		return false, false
	}

	return false, false
}
