// sweep generates a pilot task file covering the cartesian product of a
// small parameter grid. It only produces task descriptors; the engine
// never sees the parameters except as opaque tags.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/halverson/pilot/internal/core/domain"
)

func main() {
	var (
		out      = flag.String("out", "tasks.json", "output task file")
		template = flag.String("command", `echo "alpha={alpha} beta={beta} seed={seed}"; sleep 1`, "command template with {param} placeholders")
		cores    = flag.Int("cores", 1, "cores per task")
		timeout  = flag.Int("timeout", 300, "per-task timeout in seconds")
	)
	flag.Parse()

	params := map[string][]string{
		"alpha": {"0.1", "0.5", "1.0"},
		"beta":  {"10", "50", "100"},
		"seed":  {"42", "123", "456"},
	}

	sweepID := uuid.NewString()[:8]
	tasks := generate(*template, params, *cores, *timeout, sweepID)

	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		log.Fatalf("marshal tasks: %v", err)
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		log.Fatalf("write %s: %v", *out, err)
	}
	fmt.Printf("wrote %d tasks to %s (sweep %s)\n", len(tasks), *out, sweepID)
}

// generate expands the grid into one task per parameter combination, with
// the combination recorded in the task tags for downstream callbacks.
func generate(template string, params map[string][]string, cores, timeout int, sweepID string) []domain.Task {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	// Deterministic expansion order.
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			if keys[j] < keys[i] {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}

	combos := [][]string{{}}
	for _, k := range keys {
		var next [][]string
		for _, combo := range combos {
			for _, v := range params[k] {
				cp := append(append([]string{}, combo...), v)
				next = append(next, cp)
			}
		}
		combos = next
	}

	tasks := make([]domain.Task, 0, len(combos))
	for _, combo := range combos {
		command := template
		idParts := make([]string, 0, len(keys))
		tags := map[string]string{"sweep": sweepID}
		for i, k := range keys {
			command = strings.ReplaceAll(command, "{"+k+"}", combo[i])
			idParts = append(idParts, k+strings.ReplaceAll(combo[i], ".", "p"))
			tags[k] = combo[i]
		}
		tasks = append(tasks, domain.Task{
			ID:         sweepID + "_" + strings.Join(idParts, "_"),
			Command:    command,
			Cores:      cores,
			TimeoutSec: timeout,
			Tags:       tags,
		})
	}
	return tasks
}
