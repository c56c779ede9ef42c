package verify

import (
	"os"
	"path/filepath"

	"github.com/agentgate/agentgate/internal/order"
)

// DetectPlan builds a default verification plan from the project files
// present in dir. Unknown project types get an empty plan, which
// passes trivially; a custom plan on the work order is the fix.
func DetectPlan(dir string) Plan {
	switch {
	case fileExists(dir, "go.mod"):
		return Plan{Levels: []LevelPlan{
			{Level: order.LevelContract, Checks: []CheckPlan{
				{Name: "build", Command: "go build ./..."},
			}},
			{Level: order.LevelLint, Checks: []CheckPlan{
				{Name: "vet", Command: "go vet ./..."},
			}},
			{Level: order.LevelTest, Checks: []CheckPlan{
				{Name: "unit", Command: "go test ./..."},
			}},
		}}

	case fileExists(dir, "package.json"):
		plan := Plan{Levels: []LevelPlan{
			{Level: order.LevelLint, Checks: []CheckPlan{
				{Name: "lint", Command: "npm run lint --if-present"},
			}},
			{Level: order.LevelTest, Checks: []CheckPlan{
				{Name: "unit", Command: "npm test --if-present"},
			}},
		}}
		if fileExists(dir, "tsconfig.json") {
			plan.Levels = append([]LevelPlan{
				{Level: order.LevelContract, Checks: []CheckPlan{
					{Name: "typecheck", Command: "npx tsc --noEmit"},
				}},
			}, plan.Levels...)
		}
		return plan

	case fileExists(dir, "pyproject.toml") || fileExists(dir, "setup.py"):
		return Plan{Levels: []LevelPlan{
			{Level: order.LevelLint, Checks: []CheckPlan{
				{Name: "lint", Command: "ruff check ."},
			}},
			{Level: order.LevelTest, Checks: []CheckPlan{
				{Name: "unit", Command: "pytest"},
			}},
		}}

	case fileExists(dir, "Cargo.toml"):
		return Plan{Levels: []LevelPlan{
			{Level: order.LevelContract, Checks: []CheckPlan{
				{Name: "build", Command: "cargo build"},
			}},
			{Level: order.LevelLint, Checks: []CheckPlan{
				{Name: "clippy", Command: "cargo clippy"},
			}},
			{Level: order.LevelTest, Checks: []CheckPlan{
				{Name: "unit", Command: "cargo test"},
			}},
		}}
	}

	return Plan{}
}

func fileExists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}
