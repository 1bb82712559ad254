// Package workflow implements the Workflow Supervisor (spec.md §4.H): a
// registry of user-defined operation state machines layered over
// GenericCommandState, plus the script-argument templating and
// framed-stdout-JSON parsing that lets an external script drive a
// command through its states. Grounded on
// crates/core/tedge_api/src/workflow.rs and
// crates/core/tedge_api/src/workflow/state.rs.
package workflow

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/rs/zerolog/log"

	"github.com/tedge-bridge/cloud-mapper/pkg/models"
)

// StateName is the name of one state in an OperationWorkflow's graph.
type StateName = string

// OperationState is one node of an OperationWorkflow: either a script to
// run, a participant to delegate to, or a set of possible next states
// with no action of the supervisor's own.
type OperationState struct {
	Owner  string   // "tedge" = BuiltIn, any other value = Delegate(owner)
	Script string   // non-empty = Script(path)
	Next   []string // candidate next states when Owner/Script are unset

	// Guards optionally pairs each entry of Next with an expr-lang
	// boolean expression evaluated against the command payload; the
	// first guard that matches picks MoveTo deterministically instead
	// of falling back to Delegate("unknown") when Next has more than
	// one entry. Unguarded multi-way Next keeps the original
	// reference-implementation behavior. [SUPPLEMENT]
	Guards map[string]string
}

// OperationWorkflow is the full state graph for one operation type.
type OperationWorkflow struct {
	Operation models.OperationType
	States    map[StateName]OperationState
}

// BuiltinWorkflow returns the 4-state graph every operation gets unless
// a user-defined workflow overrides it: init -> executing -> (successful
// | failed).
func BuiltinWorkflow(operation models.OperationType) OperationWorkflow {
	return OperationWorkflow{
		Operation: operation,
		States: map[StateName]OperationState{
			"init":       {Next: []string{"executing"}},
			"executing":  {Next: []string{"successful", "failed"}},
			"successful": {Next: nil},
			"failed":     {Next: nil},
		},
	}
}

// DuplicateWorkflowError is returned by RegisterCustomWorkflow when an
// operation already has a registered workflow.
type DuplicateWorkflowError struct{ Operation models.OperationType }

func (e *DuplicateWorkflowError) Error() string {
	return fmt.Sprintf("a workflow for operation %q is already registered", e.Operation)
}

// UnknownOperationError is returned when no workflow covers an operation.
type UnknownOperationError struct{ Operation models.OperationType }

func (e *UnknownOperationError) Error() string {
	return fmt.Sprintf("no workflow is registered for operation %q", e.Operation)
}

// UnknownStepError is returned when a command's status names a state the
// operation's workflow doesn't define.
type UnknownStepError struct {
	Operation models.OperationType
	Step      string
}

func (e *UnknownStepError) Error() string {
	return fmt.Sprintf("operation %q has no workflow state %q", e.Operation, e.Step)
}

// Supervisor dispatches GenericCommandState transitions to the
// registered OperationAction for the command's current status, per
// spec.md §4.H.
type Supervisor struct {
	mu        sync.RWMutex
	workflows map[models.OperationType]OperationWorkflow
}

// NewSupervisor returns an empty supervisor; callers register the
// built-in operations and any custom workflows they load.
func NewSupervisor() *Supervisor {
	return &Supervisor{workflows: make(map[models.OperationType]OperationWorkflow)}
}

// RegisterBuiltinWorkflow installs the default 4-state graph for operation.
func (s *Supervisor) RegisterBuiltinWorkflow(operation models.OperationType) error {
	return s.RegisterCustomWorkflow(BuiltinWorkflow(operation))
}

// RegisterCustomWorkflow installs a user-defined workflow, rejecting a
// second registration for the same operation.
func (s *Supervisor) RegisterCustomWorkflow(wf OperationWorkflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workflows[wf.Operation]; exists {
		return &DuplicateWorkflowError{Operation: wf.Operation}
	}
	s.workflows[wf.Operation] = wf
	return nil
}

// Operations lists every registered operation type in deterministic
// (sorted) order, used to render the 114 SmartREST "supported
// operations" record and per-entity "cmd/<op>" capability adverts.
func (s *Supervisor) Operations() []models.OperationType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ops := make([]models.OperationType, 0, len(s.workflows))
	for op := range s.workflows {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	return ops
}

// CurrentAction derives the OperationAction for a command's current
// status, per spec.md §4.H:
//
//	script          -> Script(path)
//	owner == "tedge" -> BuiltIn
//	owner (other)    -> Delegate(owner)
//	next empty       -> Clear
//	next single      -> MoveTo(next[0])
//	next multiple    -> Delegate("unknown"), unless a Guards expression
//	                    selects exactly one candidate
func (s *Supervisor) CurrentAction(cmd models.GenericCommandState, operation models.OperationType) (models.OperationAction, error) {
	s.mu.RLock()
	wf, ok := s.workflows[operation]
	s.mu.RUnlock()
	if !ok {
		return models.OperationAction{}, &UnknownOperationError{Operation: operation}
	}
	state, ok := wf.States[cmd.Status]
	if !ok {
		return models.OperationAction{}, &UnknownStepError{Operation: operation, Step: cmd.Status}
	}
	return deriveAction(state, cmd), nil
}

func deriveAction(state OperationState, cmd models.GenericCommandState) models.OperationAction {
	if state.Script != "" {
		return models.OperationAction{Kind: models.ActionScript, Path: state.Script}
	}
	if state.Owner != "" {
		if state.Owner == "tedge" {
			return models.OperationAction{Kind: models.ActionBuiltIn}
		}
		return models.OperationAction{Kind: models.ActionDelegate, Owner: state.Owner}
	}
	switch len(state.Next) {
	case 0:
		return models.OperationAction{Kind: models.ActionClear}
	case 1:
		return models.OperationAction{Kind: models.ActionMoveTo, State: state.Next[0]}
	default:
		if next, ok := resolveGuardedNext(state, cmd); ok {
			return models.OperationAction{Kind: models.ActionMoveTo, State: next}
		}
		return models.OperationAction{Kind: models.ActionDelegate, Owner: "unknown"}
	}
}

// resolveGuardedNext evaluates each candidate's expr guard (if any)
// against the command payload and returns the single matching next
// state, if exactly one matches.
func resolveGuardedNext(state OperationState, cmd models.GenericCommandState) (string, bool) {
	if len(state.Guards) == 0 {
		return "", false
	}
	var matched string
	count := 0
	for _, candidate := range state.Next {
		guard, ok := state.Guards[candidate]
		if !ok {
			continue
		}
		program, err := expr.Compile(guard, expr.AsBool())
		if err != nil {
			log.Error().Err(err).Str("guard", guard).Str("state", candidate).Msg("invalid workflow guard expression")
			continue
		}
		out, err := expr.Run(program, map[string]any{"payload": cmd.Payload, "status": cmd.Status})
		if err != nil {
			continue
		}
		if ok, _ := out.(bool); ok {
			matched = candidate
			count++
		}
	}
	if count == 1 {
		return matched, true
	}
	return "", false
}

const scriptOutputBegin = ":::begin-tedge:::\n"
const scriptOutputEnd = "\n:::end-tedge:::"

// ExtractFramedOutput pulls the JSON fragment a workflow script printed
// between the tedge output markers out of its raw stdout, per spec.md
// §4.H. Returns ok=false if the markers are absent.
func ExtractFramedOutput(stdout string) (string, bool) {
	_, rest, found := strings.Cut(stdout, scriptOutputBegin)
	if !found {
		return "", false
	}
	body, _, found := strings.Cut(rest, scriptOutputEnd)
	if !found {
		return "", false
	}
	return body, true
}

// InjectParameters templates every argument in args against cmd, per
// spec.md §4.H's token list. Unresolved tokens pass through verbatim.
func InjectParameters(cmd models.GenericCommandState, args []string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = injectParameter(cmd, arg)
	}
	return out
}

func injectParameter(cmd models.GenericCommandState, arg string) string {
	inner, ok := strings.CutPrefix(arg, "${")
	if !ok {
		return arg
	}
	path, ok := strings.CutSuffix(inner, "}")
	if !ok {
		return arg
	}
	value, ok := extractToken(cmd, path)
	if !ok {
		return arg
	}
	return value
}

func extractToken(cmd models.GenericCommandState, path string) (string, bool) {
	switch path {
	case ".topic":
		return cmd.Topic, true
	case ".topic.target":
		return topicTarget(cmd.Topic)
	case ".topic.operation":
		return topicOperation(cmd.Topic)
	case ".topic.cmd_id":
		return topicCmdID(cmd.Topic)
	case ".payload":
		data, err := cmd.ToJSON()
		if err != nil {
			return "", false
		}
		return string(data), true
	default:
		rest, ok := strings.CutPrefix(path, ".payload.")
		if !ok {
			return "", false
		}
		return jsonExcerpt(cmd.Payload, rest)
	}
}

// topicTarget/topicOperation/topicCmdID split "<root>/a/b/c/d/cmd/<op>/<id>".
func topicTarget(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 8 || parts[5] != "cmd" {
		return "", false
	}
	return strings.Join(parts[1:5], "/"), true
}

func topicOperation(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 8 || parts[5] != "cmd" {
		return "", false
	}
	return parts[6], true
}

func topicCmdID(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 8 || parts[5] != "cmd" {
		return "", false
	}
	return parts[7], true
}

func jsonExcerpt(value map[string]any, path string) (string, bool) {
	key, rest, hasMore := strings.Cut(path, ".")
	v, ok := value[key]
	if !ok {
		return "", false
	}
	if !hasMore {
		return jsonAsString(v), true
	}
	nested, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	return jsonExcerpt(nested, rest)
}

func jsonAsString(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", t)
	}
}
