// Package models defines the core domain models for workflow and job execution.
package models

import "time"

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"    // Editable, not executable
	WorkflowStatusActive   WorkflowStatus = "active"   // Executable by triggers
	WorkflowStatusPaused   WorkflowStatus = "paused"   // Kept but not executable
	WorkflowStatusArchived WorkflowStatus = "archived" // Historical
)

// ConnectionType decides when an outgoing connection is followed after its source node finishes.
type ConnectionType string

const (
	ConnectionTypeAlways    ConnectionType = "always"
	ConnectionTypeOnSuccess ConnectionType = "on_success"
	ConnectionTypeOnFailure ConnectionType = "on_failure"
	ConnectionTypeCondition ConnectionType = "on_condition"
)

// Workflow is a fan-in-free directed acyclic graph of nodes, each bound to one executable event.
type Workflow struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"                   validate:"required,min=3"`
	Description string           `json:"description"`
	Status      WorkflowStatus   `json:"status"                 validate:"required,oneof=draft active paused archived"`
	TriggerType TriggerType      `json:"trigger_type"           validate:"required,oneof=manual schedule webhook"`
	WebhookKey  string           `json:"webhook_key,omitempty"`
	Security    *WebhookSecurity `json:"security,omitempty"`
	InputSchema map[string]any   `json:"input_schema,omitempty"` // JSON schema for inbound trigger payloads
	Nodes       []*WorkflowNode  `json:"nodes"                  validate:"dive"`
	Connections []*Connection    `json:"connections"            validate:"dive"`
	Owner       string           `json:"owner"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// WorkflowNode is a node of the workflow graph. Every node runs exactly one event.
type WorkflowNode struct {
	ID        string `json:"id"         validate:"required"`
	EventID   string `json:"event_id"   validate:"required"`
	Name      string `json:"name"`
	PositionX int    `json:"position_x"`
	PositionY int    `json:"position_y"`
}

// Connection is a directed edge between two workflow nodes.
type Connection struct {
	ID             string         `json:"id"`
	SourceNodeID   string         `json:"source_node_id"  validate:"required"`
	TargetNodeID   string         `json:"target_node_id"  validate:"required"`
	ConnectionType ConnectionType `json:"connection_type" validate:"required,oneof=always on_success on_failure on_condition"`
}

// WebhookSecurity configures verification of inbound trigger requests.
type WebhookSecurity struct {
	Secret          string   `json:"secret,omitempty"`
	VerifyTimestamp bool     `json:"verify_timestamp"`
	AllowedIPs      []string `json:"allowed_ips,omitempty"`
	SignatureHeader string   `json:"signature_header,omitempty"`
	TimestampHeader string   `json:"timestamp_header,omitempty"`
}

// IsActive reports whether the workflow may be executed by a trigger.
func (w *Workflow) IsActive() bool {
	return w.Status == WorkflowStatusActive
}

// NodeByID returns the node with the given id, or nil.
func (w *Workflow) NodeByID(id string) *WorkflowNode {
	for _, node := range w.Nodes {
		if node.ID == id {
			return node
		}
	}

	return nil
}

// RootNodes returns the nodes without incoming connections, in declaration order.
func (w *Workflow) RootNodes() []*WorkflowNode {
	targets := make(map[string]bool, len(w.Connections))
	for _, conn := range w.Connections {
		targets[conn.TargetNodeID] = true
	}

	roots := make([]*WorkflowNode, 0, len(w.Nodes))

	for _, node := range w.Nodes {
		if !targets[node.ID] {
			roots = append(roots, node)
		}
	}

	return roots
}

// OutgoingConnections returns the connections whose source is the given node.
func (w *Workflow) OutgoingConnections(nodeID string) []*Connection {
	var out []*Connection

	for _, conn := range w.Connections {
		if conn.SourceNodeID == nodeID {
			out = append(out, conn)
		}
	}

	return out
}

// Follows reports whether a connection of this type is taken for the given node outcome.
func (t ConnectionType) Follows(success bool, condition *bool) bool {
	switch t {
	case ConnectionTypeAlways:
		return true
	case ConnectionTypeOnSuccess:
		return success
	case ConnectionTypeOnFailure:
		return !success
	case ConnectionTypeCondition:
		return condition != nil && *condition
	default:
		return false
	}
}
