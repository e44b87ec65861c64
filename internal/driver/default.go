package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"optimizectl/internal/config"
)

// Default is the reference Optimization Driver: each iteration asks a
// Provider for the next candidate, scores it against the configured
// objectives, and emits progress. Its control flow — started, a
// deadline-checked iteration loop, finished/failed/cancelled — follows
// original_source's registry.py _run_job almost line for line. The
// Provider only proposes (and, in reflect mode, refines) candidates;
// scoring uses the configured Scorers alone, with no judge round trip.
type Default struct {
	Provider   Provider
	Objectives []config.ObjectiveSpec
	Scorers    map[string]Scorer
	// Reflect, when true, makes the driver honor payload["mode"]=="reflect":
	// after each proposal it asks the Provider for one additional
	// self-critique pass before scoring, a narrowed stand-in for
	// original_source's gepa_loop reflection step.
	Reflect bool
}

// NewDefault builds a Default driver with the built-in scorers wired in.
func NewDefault(provider Provider, objectives []config.ObjectiveSpec) *Default {
	return &Default{Provider: provider, Objectives: objectives, Scorers: BuiltinScorers(), Reflect: true}
}

// Run implements Func.
func (d *Default) Run(ctx context.Context, h Handle, emit EmitFunc, iterations int, payload map[string]any) (string, map[string]any, error) {
	if err := emit(ctx, "started", map[string]any{}); err != nil {
		return "failed", map[string]any{"error": err.Error()}, err
	}

	prompt, _ := payload["prompt"].(string)
	examples := examplesFromPayload(payload)
	mode, _ := payload["mode"].(string)
	if mode == "" {
		mode = "default"
	}

	var lessons []string
	var proposals []string
	var lastScores map[string]float64

	for i := 0; i < iterations; i++ {
		select {
		case <-h.Done():
			if errors.Is(h.Err(), context.DeadlineExceeded) {
				res := map[string]any{"error": "deadline_exceeded"}
				_ = emit(context.Background(), "failed", res)
				return "failed", res, nil
			}
			// Emit the terminal on a context decoupled from the job's own
			// run context: ctx is the same Handle that just became Done
			// (registry.go wraps MAX_WALL_TIME_S/cancel into it), so
			// reusing it here would race Emit's channel send against its
			// own already-closed ctx.Done() and could silently drop the
			// cancelled envelope.
			_ = emit(context.Background(), "cancelled", map[string]any{})
			return "cancelled", nil, h.Err()
		default:
		}
		if dl, ok := h.Deadline(); ok && !dl.IsZero() && time.Now().After(dl) {
			res := map[string]any{"error": "deadline_exceeded"}
			_ = emit(context.Background(), "failed", res)
			return "failed", res, nil
		}

		cand, err := d.Provider.Propose(ctx, prompt, i, lessons)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				_ = emit(context.Background(), "cancelled", map[string]any{})
				return "cancelled", nil, err
			}
			res := map[string]any{"error": err.Error()}
			_ = emit(context.Background(), "failed", res)
			return "failed", res, err
		}
		lessons = cand.Lessons
		proposalText := cand.Proposal

		if d.Reflect && mode == "reflect" {
			refined, rerr := d.Provider.Propose(ctx, reflectPrompt(prompt, proposalText), i, lessons)
			if rerr == nil && refined.Proposal != "" {
				if err := emit(ctx, "reflection", map[string]any{"iteration": i + 1, "proposal": refined.Proposal}); err != nil {
					return "failed", map[string]any{"error": err.Error()}, err
				}
				proposalText = refined.Proposal
				lessons = refined.Lessons
			}
		}
		proposals = append(proposals, proposalText)

		scores, err := d.scoreAll(ctx, proposalText, examples)
		if err != nil {
			res := map[string]any{"error": err.Error()}
			_ = emit(context.Background(), "failed", res)
			return "failed", res, err
		}
		lastScores = scores

		progress := map[string]any{
			"iteration": i + 1,
			"proposal":  proposalText,
			"scores":    scores,
		}
		if err := emit(ctx, "progress", progress); err != nil {
			return "failed", map[string]any{"error": err.Error()}, err
		}
	}

	best := selectBest(proposals, lastScores)
	result := map[string]any{
		"proposal": best,
		"lessons":  lessons,
		"scores":   lastScores,
	}
	// Decoupled from ctx for the same reason as the cancelled/deadline
	// terminals above: iterations may finish in the same instant ctx's
	// deadline elapses, and the terminal must not race ctx.Done().
	if err := emit(context.Background(), "finished", result); err != nil {
		return "failed", map[string]any{"error": err.Error()}, err
	}
	return "finished", result, nil
}

func (d *Default) scoreAll(ctx context.Context, text string, examples []Example) (map[string]float64, error) {
	out := make(map[string]float64, len(d.Objectives))
	for _, obj := range d.Objectives {
		scorer, ok := d.Scorers[obj.Name]
		if !ok {
			continue
		}
		score, err := scorer.Score(ctx, text, examples)
		if err != nil {
			return nil, fmt.Errorf("driver: score %s: %w", obj.Name, err)
		}
		out[obj.Name] = score * obj.Weight
	}
	return out, nil
}

func selectBest(proposals []string, _ map[string]float64) string {
	if len(proposals) == 0 {
		return ""
	}
	return proposals[len(proposals)-1]
}

func reflectPrompt(original, proposal string) string {
	return "Critique and improve this candidate against the original prompt.\noriginal: " + original + "\ncandidate: " + proposal
}

func examplesFromPayload(payload map[string]any) []Example {
	raw, ok := payload["examples"].([]any)
	if !ok {
		return nil
	}
	out := make([]Example, 0, len(raw))
	for _, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		in, _ := m["input"].(string)
		outv, _ := m["output"].(string)
		out = append(out, Example{Input: in, Output: outv})
	}
	return out
}
