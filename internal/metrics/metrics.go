package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Conversation turn metrics
	TurnsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiengine_turns_started_total",
			Help: "Total number of conversation turns started",
		},
		[]string{"channel"},
	)

	TurnsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiengine_turns_completed_total",
			Help: "Total number of conversation turns completed",
		},
		[]string{"channel", "status"},
	)

	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aiengine_turn_duration_seconds",
			Help:    "Conversation turn duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	// Action lifecycle metrics
	ActionsProposed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiengine_actions_proposed_total",
			Help: "Total number of proposed actions by initial status",
		},
		[]string{"tool", "status"},
	)

	ActionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiengine_action_transitions_total",
			Help: "Total number of action status transitions",
		},
		[]string{"to_status"},
	)

	ActionApprovals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiengine_action_approvals_total",
			Help: "Total number of manual approval decisions",
		},
		[]string{"decision"},
	)

	// Tool execution metrics
	ToolExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiengine_tool_executions_total",
			Help: "Total number of tool executions",
		},
		[]string{"tool", "status"},
	)

	ToolExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aiengine_tool_execution_duration_ms",
			Help:    "Tool execution duration in milliseconds",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000, 30000},
		},
		[]string{"tool"},
	)

	// Plan parser metrics
	PlanParseFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aiengine_plan_parse_fallbacks_total",
			Help: "Total number of model responses that failed to parse as a plan",
		},
	)

	PlanActionsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aiengine_plan_actions_dropped_total",
			Help: "Total number of plan actions dropped for unknown or disallowed tools",
		},
	)

	// Rate limiting metrics
	RateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aiengine_rate_limit_rejections_total",
			Help: "Total number of actions held back by the tenant daily ceiling",
		},
	)

	// Session metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aiengine_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)

	SessionCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aiengine_session_cache_hits_total",
			Help: "Total number of session local cache hits",
		},
	)

	SessionCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aiengine_session_cache_misses_total",
			Help: "Total number of session local cache misses",
		},
	)

	SessionCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aiengine_session_cache_evictions_total",
			Help: "Total number of sessions evicted from the local cache",
		},
	)

	SessionCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aiengine_session_cache_size",
			Help: "Number of sessions held in the local cache",
		},
	)

	// Delegation metrics
	Delegations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiengine_delegations_total",
			Help: "Total number of persona delegations",
		},
		[]string{"status"},
	)

	DelegationFanout = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aiengine_delegation_fanout",
			Help:    "Number of branches per coordinate_workflow call",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)

	// Policy metrics
	PolicyDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiengine_policy_decisions_total",
			Help: "Total number of policy gate decisions",
		},
		[]string{"outcome", "mode"},
	)

	// Model provider metrics
	ModelCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiengine_model_calls_total",
			Help: "Total number of model completion calls",
		},
		[]string{"status"},
	)

	ModelCallDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aiengine_model_call_duration_seconds",
			Help:    "Model completion call duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)
)
