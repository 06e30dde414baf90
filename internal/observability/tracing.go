package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/tasquencer/internal/config"
	"github.com/pitabwire/tasquencer/model"
)

const tracerName = "github.com/pitabwire/tasquencer"

// Attribute keys for engine, dispatcher and audit spans.
var (
	AttrWorkflowID     = attribute.Key("tasquencer.workflow_id")
	AttrWorkflowName   = attribute.Key("tasquencer.workflow_name")
	AttrRootID         = attribute.Key("tasquencer.root_id")
	AttrTaskName       = attribute.Key("tasquencer.task")
	AttrTaskGeneration = attribute.Key("tasquencer.task_generation")
	AttrWorkItemID     = attribute.Key("tasquencer.work_item_id")
	AttrSubjectID      = attribute.Key("tasquencer.subject_id")
	AttrScope          = attribute.Key("tasquencer.scope")
	AttrSpanType       = attribute.Key("tasquencer.span_type")
	AttrAuditSpanID    = attribute.Key("tasquencer.audit_span_id")
	AttrAuditState     = attribute.Key("tasquencer.audit_state")
	AttrResourceID     = attribute.Key("tasquencer.resource_id")
)

// failurePrefixes mark engine spans that always sample when
// ForceSampleFailures is set.
var failurePrefixes = []string{"workflow.fail_", "workflow.cancel_"}

// InitTracing installs the global tracer provider and W3C propagators. The
// returned function flushes pending spans.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp", "":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported exporter: %q (supported: otlp, stdout)", cfg.Exporter)
	}
}

// newSampler is parent-based ratio sampling, defaulting to 10%. With
// ForceSampleFailures, fail and cancel operations are always sampled.
func newSampler(cfg config.TracingConfig) sdktrace.Sampler {
	rate := cfg.SamplingRate
	if rate <= 0 {
		rate = 0.1
	}
	var base sdktrace.Sampler
	if rate >= 1 {
		base = sdktrace.AlwaysSample()
	} else {
		base = sdktrace.TraceIDRatioBased(rate)
	}
	sampler := sdktrace.ParentBased(base)
	if cfg.ForceSampleFailures {
		return &failureSampler{delegate: sampler}
	}
	return sampler
}

type failureSampler struct {
	delegate sdktrace.Sampler
}

func (s *failureSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	for _, prefix := range failurePrefixes {
		if strings.HasPrefix(p.Name, prefix) {
			return sdktrace.SamplingResult{
				Decision:   sdktrace.RecordAndSample,
				Tracestate: trace.SpanContextFromContext(p.ParentContext).TraceState(),
			}
		}
	}
	return s.delegate.ShouldSample(p)
}

func (s *failureSampler) Description() string {
	return "FailureSampler{" + s.delegate.Description() + "}"
}

// Tracer returns the service tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts an internal span with attrs.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	var opts []trace.SpanStartOption
	if len(attrs) > 0 {
		opts = append(opts, trace.WithAttributes(attrs...))
	}
	return Tracer().Start(ctx, name, opts...)
}

// EndSpanWithError ends span, marking it failed when err is non-nil.
func EndSpanWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if code := model.CodeOf(err); code != "" {
			span.SetAttributes(attribute.String("tasquencer.error_code", code))
		}
	}
	span.End()
}

// WorkflowAttrs identifies an instance on a span.
func WorkflowAttrs(inst *model.WorkflowInstance) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrWorkflowID.String(inst.ID),
		AttrWorkflowName.String(inst.Name),
	}
	if inst.RootID != "" {
		attrs = append(attrs, AttrRootID.String(inst.RootID))
	}
	return attrs
}

// WorkItemAttrs identifies a work item and its task generation on a span.
func WorkItemAttrs(wi *model.WorkItem) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrWorkItemID.String(wi.ID),
		AttrWorkflowID.String(wi.WorkflowID),
		AttrRootID.String(wi.RootID),
		AttrTaskName.String(wi.TaskName),
		AttrTaskGeneration.Int(wi.TaskGeneration),
	}
}

// Annotate adds attrs to the span active in ctx.
func Annotate(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

// RecordAuditEvent mirrors a persisted audit span as an event on the span
// active in ctx.
func RecordAuditEvent(ctx context.Context, sp model.Span) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent("audit."+sp.Operation, trace.WithAttributes(
		AttrAuditSpanID.String(sp.SpanID),
		AttrSpanType.String(sp.Type),
		AttrAuditState.String(sp.State),
		AttrResourceID.String(sp.Resource.ID),
	))
}

// TraceIDFromContext returns the active trace ID, or "".
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// TracingMiddleware starts a server span per request from the inbound W3C
// traceparent. The span is renamed to the matched route pattern so work
// item and workflow IDs stay out of span names.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		propagator := otel.GetTextMapPropagator()
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		ctx, span := Tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))
		next.ServeHTTP(ww, r.WithContext(ctx))

		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				pattern = strings.TrimSuffix(pattern, "/*")
				span.SetName(r.Method + " " + pattern)
				span.SetAttributes(semconv.HTTPRoute(pattern))
			}
		}
		status := ResponseStatus(ww)
		span.SetAttributes(semconv.HTTPResponseStatusCode(status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	})
}

// ResponseStatus reports the status a handler wrote, treating a handler
// that never called WriteHeader as 200.
func ResponseStatus(ww middleware.WrapResponseWriter) int {
	if ww.Status() == 0 {
		return http.StatusOK
	}
	return ww.Status()
}
