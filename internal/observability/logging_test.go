package observability

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/tasquencer/internal/config"
	"github.com/pitabwire/tasquencer/model"
)

func observed() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

func TestNewLogger_levels(t *testing.T) {
	tests := []struct {
		level     string
		wantDebug bool
		wantInfo  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"warn", false, false},
		{"bogus", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := NewLogger(config.ObservabilityConfig{LogLevel: tt.level}, "tasquencer", "test")
			if err != nil {
				t.Fatalf("NewLogger() error = %v", err)
			}
			defer func() { _ = logger.Sync() }()

			if got := logger.Core().Enabled(zapcore.DebugLevel); got != tt.wantDebug {
				t.Errorf("debug enabled = %v, want %v", got, tt.wantDebug)
			}
			if got := logger.Core().Enabled(zapcore.InfoLevel); got != tt.wantInfo {
				t.Errorf("info enabled = %v, want %v", got, tt.wantInfo)
			}
		})
	}
}

func TestLoggerFrom(t *testing.T) {
	fallback := zap.NewNop()
	if got := LoggerFrom(context.Background(), fallback); got != fallback {
		t.Error("empty context should return the fallback")
	}

	logger, _ := observed()
	if got := LoggerFrom(WithLogger(context.Background(), logger), fallback); got != logger {
		t.Error("stored logger not returned")
	}
}

func TestRequestLogger_tagsCaller(t *testing.T) {
	logger, logs := observed()
	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{
		SubjectID:     "user-reviewer",
		SessionID:     "sess-7",
		CorrelationID: "corr-1",
		TraceID:       "4bf92f3577b34da6a3ce929d0e0e4736",
	})

	RequestLogger(WithLogger(ctx, logger), zap.NewNop()).Info("work item claimed")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	want := map[string]string{
		"user_id":        "user-reviewer",
		"session_id":     "sess-7",
		"correlation_id": "corr-1",
		"trace_id":       "4bf92f3577b34da6a3ce929d0e0e4736",
	}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("%s = %v, want %q", k, fields[k], v)
		}
	}
}

func TestRequestLogger_omitsEmptySessionAndTrace(t *testing.T) {
	logger, logs := observed()
	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{
		SubjectID:     "user-requester",
		CorrelationID: "corr-2",
	})

	RequestLogger(ctx, logger).Info("request")

	fields := logs.All()[0].ContextMap()
	for _, k := range []string{"session_id", "trace_id"} {
		if _, ok := fields[k]; ok {
			t.Errorf("%s should be absent: %v", k, fields)
		}
	}
}

func TestRequestLogger_withoutRequestContext(t *testing.T) {
	logger, logs := observed()
	RequestLogger(context.Background(), logger).Info("startup")

	if fields := logs.All()[0].ContextMap(); len(fields) != 0 {
		t.Errorf("fields = %v, want none", fields)
	}
}

func TestWorkflowFields(t *testing.T) {
	logger, logs := observed()

	root := &model.WorkflowInstance{ID: "wf-1", Name: "onboarding", Version: "v1", RootID: "wf-1"}
	child := &model.WorkflowInstance{ID: "wf-2", Name: "equipment", Version: "v1", RootID: "wf-1", ParentID: "wf-1"}
	logger.Info("root", WorkflowFields(root)...)
	logger.Info("child", WorkflowFields(child)...)

	entries := logs.All()
	rootFields := entries[0].ContextMap()
	if rootFields["workflow_id"] != "wf-1" || rootFields["workflow"] != "onboarding" || rootFields["version"] != "v1" {
		t.Errorf("root fields = %v", rootFields)
	}
	if _, ok := rootFields["root_id"]; ok {
		t.Error("root instance should not repeat its own id as root_id")
	}

	childFields := entries[1].ContextMap()
	if childFields["root_id"] != "wf-1" || childFields["parent_id"] != "wf-1" {
		t.Errorf("child fields = %v", childFields)
	}
}

func TestWorkItemFields(t *testing.T) {
	logger, logs := observed()

	wi := &model.WorkItem{ID: "wi-1", WorkflowID: "wf-1", TaskName: "intakeReview", TaskGeneration: 2}
	logger.Info("open", WorkItemFields(wi)...)
	wi.Claim = &model.Claim{UserID: "user-reviewer", ClaimedAt: time.Now()}
	logger.Info("claimed", WorkItemFields(wi)...)

	open := logs.All()[0].ContextMap()
	if open["work_item_id"] != "wi-1" || open["task"] != "intakeReview" || open["generation"] != int64(2) {
		t.Errorf("open fields = %v", open)
	}
	if _, ok := open["claimed_by"]; ok {
		t.Error("unclaimed item should not log claimed_by")
	}
	if got := logs.All()[1].ContextMap()["claimed_by"]; got != "user-reviewer" {
		t.Errorf("claimed_by = %v", got)
	}
}

func TestRedactBody(t *testing.T) {
	payload := map[string]any{
		"decision": "approved",
		"Password": "hunter2",
		"applicant": map[string]any{
			"name": "Ada",
			"ssn":  "123-45-6789",
		},
		"accounts": []any{
			map[string]any{"login": "ada", "api_key": "k-1"},
			"plain",
		},
		"salary": 100,
	}

	got := RedactBody(payload, []string{"Salary"})

	if got["decision"] != "approved" {
		t.Errorf("decision = %v", got["decision"])
	}
	if got["Password"] != "[REDACTED]" {
		t.Errorf("Password = %v, want redacted regardless of case", got["Password"])
	}
	if got["salary"] != "[REDACTED]" {
		t.Errorf("salary = %v, want redacted as a custom field", got["salary"])
	}
	applicant := got["applicant"].(map[string]any)
	if applicant["ssn"] != "[REDACTED]" || applicant["name"] != "Ada" {
		t.Errorf("applicant = %v", applicant)
	}
	accounts := got["accounts"].([]any)
	if accounts[0].(map[string]any)["api_key"] != "[REDACTED]" || accounts[1] != "plain" {
		t.Errorf("accounts = %v", accounts)
	}

	if payload["Password"] != "hunter2" || payload["applicant"].(map[string]any)["ssn"] != "123-45-6789" {
		t.Error("original payload was mutated")
	}
	if RedactBody(nil, nil) != nil {
		t.Error("nil payload should stay nil")
	}
}
