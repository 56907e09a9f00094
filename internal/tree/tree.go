// Package tree reconstructs a hierarchical activity view from a flat,
// possibly reordered event history. Attachment is one-directional map
// insertion keyed by stored event id, so cycles cannot arise and orphaned
// parent references degrade to additional roots rather than errors.
package tree

import (
	"time"

	"github.com/tjfontaine/agentscope/internal/domain"
)

// Node is one entry in the reconstructed hierarchy.
type Node struct {
	ID          string             `json:"id"`
	Type        domain.EventType   `json:"event_type"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Status      domain.EventStatus `json:"status"`
	Timestamp   time.Time          `json:"timestamp"`
	DurationMs  *float64           `json:"duration_ms,omitempty"`
	Children    []*Node            `json:"children"`
}

// SessionInfo carries the session fields needed to fabricate a synthetic
// root when no task-type event anchors the tree.
type SessionInfo struct {
	ID         string
	RootTask   string
	Status     domain.SessionStatus
	CreatedAt  time.Time
	DurationMs float64
}

// Options controls tree construction.
type Options struct {
	// IncludeCompleted keeps successfully terminated leaf events. When
	// false they are excluded up front, but a node is never dropped just
	// because its children are still in progress.
	IncludeCompleted bool

	// MaxDepth truncates children below the given depth. Zero means
	// unlimited. Truncated nodes keep their own fields and lose their
	// children.
	MaxDepth int
}

// Build reconstructs the activity tree from events in history order.
func Build(events []domain.StoredEvent, session SessionInfo, opts Options) *Node {
	// Pass 1: one node per event, and note which ids have children so the
	// IncludeCompleted filter never removes an interior node.
	hasChildren := make(map[string]bool, len(events))
	for _, ev := range events {
		if ev.ParentID != "" {
			hasChildren[ev.ParentID] = true
		}
	}

	nodes := make(map[string]*Node, len(events))
	parents := make(map[string]string, len(events))
	order := make([]string, 0, len(events))
	for _, ev := range events {
		if !opts.IncludeCompleted && ev.Status == domain.StatusSuccess && !hasChildren[ev.ID] {
			continue
		}
		n := &Node{
			ID:         ev.ID,
			Type:       ev.Type,
			Name:       ev.DisplayName(),
			Status:     ev.Status,
			Timestamp:  ev.Timestamp,
			DurationMs: ev.DurationMs,
			Children:   []*Node{},
		}
		if ev.Display != nil {
			n.Description = ev.Display.Description
		}
		nodes[ev.ID] = n
		parents[ev.ID] = ev.ParentID
		order = append(order, ev.ID)
	}

	// Pass 2: attach children in history order; unresolved parents leave
	// the node as a root candidate.
	var roots []*Node
	for _, id := range order {
		n := nodes[id]
		if parentID := parents[id]; parentID != "" {
			if parent, ok := nodes[parentID]; ok && parent != n {
				parent.Children = append(parent.Children, n)
				continue
			}
		}
		roots = append(roots, n)
	}

	root := selectRoot(roots, session)

	// Pass 3: depth truncation.
	if opts.MaxDepth > 0 {
		truncate(root, 0, opts.MaxDepth)
	}
	return root
}

// selectRoot picks the earliest task-type root candidate, or fabricates a
// synthetic root from the session when none exists.
func selectRoot(roots []*Node, session SessionInfo) *Node {
	// Roots arrive in history order, so the first task-type candidate is
	// the earliest.
	var taskRoot *Node
	for _, r := range roots {
		if r.Type.Category() == domain.CategoryTask {
			taskRoot = r
			break
		}
	}
	if taskRoot != nil {
		for _, r := range roots {
			if r != taskRoot {
				taskRoot.Children = append(taskRoot.Children, r)
			}
		}
		return taskRoot
	}

	synthetic := &Node{
		ID:        "session:" + session.ID,
		Type:      domain.EventTaskStarted,
		Name:      session.RootTask,
		Status:    sessionStatusToEvent(session.Status),
		Timestamp: session.CreatedAt,
		Children:  roots,
	}
	if session.DurationMs > 0 {
		d := session.DurationMs
		synthetic.DurationMs = &d
	}
	if synthetic.Children == nil {
		synthetic.Children = []*Node{}
	}
	return synthetic
}

func sessionStatusToEvent(s domain.SessionStatus) domain.EventStatus {
	switch s {
	case domain.SessionCompleted:
		return domain.StatusSuccess
	case domain.SessionFailed:
		return domain.StatusError
	default:
		return domain.StatusRunning
	}
}

// truncate removes children below maxDepth. Nodes at maxDepth keep their
// fields with an emptied children list.
func truncate(n *Node, depth, maxDepth int) {
	if depth >= maxDepth {
		n.Children = []*Node{}
		return
	}
	for _, c := range n.Children {
		truncate(c, depth+1, maxDepth)
	}
}
