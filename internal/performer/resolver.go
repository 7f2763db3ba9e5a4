// Package performer expands a task's raw performer specs into concrete
// user assignments and diffs assignment sets for delta notifications.
package performer

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/stepline/internal/fields"
	"github.com/nidhogg/stepline/internal/workflow"
)

// Directory answers membership questions about users and groups. Every
// resolution call reads a fresh snapshot; results are never cached
// across calls.
type Directory interface {
	// GroupMembers returns the ids of non-deleted users currently in
	// the group.
	GroupMembers(ctx context.Context, groupID string) ([]string, error)
	// UserExists reports whether the user exists and is not deleted.
	UserExists(ctx context.Context, userID string) (bool, error)
}

// Resolver expands raw performer specs.
type Resolver struct {
	dir    Directory
	logger *zap.Logger
}

// NewResolver creates a resolver over the given directory.
func NewResolver(dir Directory, logger *zap.Logger) *Resolver {
	return &Resolver{dir: dir, logger: logger}
}

// Resolve computes the task's current assignment set. Template-derived
// membership is re-expanded from scratch; existing assignments keep
// their identity and completion state, and manual overrides
// (directly added/removed) always win over template derivation.
//
// A task whose only spec is an unanswered field reference resolves to
// zero performers, which is a valid if stalled state.
func (r *Resolver) Resolve(ctx context.Context, w *workflow.Workflow, task *workflow.TaskInstance, vals fields.Values) ([]*workflow.PerformerAssignment, error) {
	type derived struct {
		userID  string
		groupID string
	}
	var want []derived
	seen := make(map[string]bool)

	add := func(userID, groupID string) {
		if userID == "" || seen[userID] {
			return
		}
		seen[userID] = true
		want = append(want, derived{userID: userID, groupID: groupID})
	}

	for _, raw := range task.RawPerformers {
		switch raw.Kind {
		case workflow.PerformerUser:
			ok, err := r.dir.UserExists(ctx, raw.UserID)
			if err != nil {
				return nil, fmt.Errorf("resolve user performer: %w", err)
			}
			if ok {
				add(raw.UserID, "")
			}

		case workflow.PerformerGroup:
			members, err := r.dir.GroupMembers(ctx, raw.GroupID)
			if err != nil {
				return nil, fmt.Errorf("resolve group performer: %w", err)
			}
			for _, m := range members {
				add(m, raw.GroupID)
			}

		case workflow.PerformerField:
			userID, ok := vals.Get(raw.FieldAPIName)
			if !ok {
				continue // unanswered; resolved on a later pass
			}
			exists, err := r.dir.UserExists(ctx, userID)
			if err != nil {
				return nil, fmt.Errorf("resolve field performer: %w", err)
			}
			if !exists {
				r.logger.Warn("field performer references unknown user",
					zap.String("task", task.APIName),
					zap.String("field", raw.FieldAPIName),
					zap.String("user", userID))
				continue
			}
			add(userID, "")

		case workflow.PerformerStarter:
			// Externally started workflows have no starter.
			if w.StarterID != "" {
				add(w.StarterID, "")
			}

		default:
			r.logger.Warn("unknown raw performer kind",
				zap.String("task", task.APIName),
				zap.String("kind", string(raw.Kind)))
		}
	}

	existing := make(map[string]*workflow.PerformerAssignment, len(task.Performers))
	for _, p := range task.Performers {
		existing[p.UserID] = p
	}

	var out []*workflow.PerformerAssignment
	for _, d := range want {
		if prev, ok := existing[d.userID]; ok {
			if prev.Directly == workflow.DirectlyRemoved {
				// Manual removal beats template derivation; keep the
				// tombstone so re-resolution stays stable.
				out = append(out, prev)
				continue
			}
			prev.SourceGroupID = d.groupID
			out = append(out, prev)
			continue
		}
		out = append(out, &workflow.PerformerAssignment{
			ID:            uuid.New().String(),
			TaskID:        task.ID,
			UserID:        d.userID,
			SourceGroupID: d.groupID,
		})
	}

	// Manual overrides survive even when no longer template-derived.
	for _, p := range task.Performers {
		if seen[p.UserID] {
			continue
		}
		if p.Directly == workflow.DirectlyAdded || p.Directly == workflow.DirectlyRemoved {
			out = append(out, p)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// Delta is the difference between two resolved assignment sets,
// counting only performers that actively changed. Used to notify the
// exact added/removed users and nobody else.
type Delta struct {
	Added   []*workflow.PerformerAssignment
	Removed []*workflow.PerformerAssignment
}

// Empty reports whether nothing changed.
func (d Delta) Empty() bool { return len(d.Added) == 0 && len(d.Removed) == 0 }

// Diff compares the old and next assignment sets by active membership.
func Diff(old, next []*workflow.PerformerAssignment) Delta {
	oldActive := make(map[string]*workflow.PerformerAssignment)
	for _, p := range old {
		if p.Active() {
			oldActive[p.UserID] = p
		}
	}
	nextActive := make(map[string]*workflow.PerformerAssignment)
	for _, p := range next {
		if p.Active() {
			nextActive[p.UserID] = p
		}
	}

	var d Delta
	for _, p := range next {
		if p.Active() && oldActive[p.UserID] == nil {
			d.Added = append(d.Added, p)
		}
	}
	for _, p := range old {
		if p.Active() && nextActive[p.UserID] == nil {
			d.Removed = append(d.Removed, p)
		}
	}
	sort.SliceStable(d.Added, func(i, j int) bool { return d.Added[i].UserID < d.Added[j].UserID })
	sort.SliceStable(d.Removed, func(i, j int) bool { return d.Removed[i].UserID < d.Removed[j].UserID })
	return d
}
