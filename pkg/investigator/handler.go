package investigator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Backend selects how the module-analysis and generic handlers perform
// their actual analysis. This replaces the teacher's dynamic-plugin/gRPC
// approach (see DESIGN.md) with a compile-time tagged variant selected
// from configuration, per spec §9's REDESIGN FLAGS guidance.
type Backend string

const (
	// BackendLocal runs a bundled heuristic analyzer: no network calls,
	// evidence is gathered by reading the filesystem directly.
	BackendLocal Backend = "local"
	// BackendRemoteHTTP calls out over plain net/http + JSON to an
	// external analysis/LLM endpoint.
	BackendRemoteHTTP Backend = "remote_http"
)

// HandlerName identifies one of the three investigation strategies a
// question can be routed to.
type HandlerName string

const (
	HandlerModuleAnalysis HandlerName = "module_analysis"
	HandlerSystemdAudit   HandlerName = "systemd_audit"
	HandlerGeneric        HandlerName = "generic_adaptive"
)

// SelectHandlerName routes a question to a handler by its id prefix,
// mirroring _run_investigation's if/elif chain.
func SelectHandlerName(questionID string) HandlerName {
	switch {
	case strings.HasPrefix(questionID, "discover.module.") || strings.HasPrefix(questionID, "reinvestigate."):
		return HandlerModuleAnalysis
	case strings.HasPrefix(questionID, "systemd_audit_"):
		return HandlerSystemdAudit
	default:
		return HandlerGeneric
	}
}

// Registry is the compile-time map from handler name to implementation
// that replaces the teacher's name-import plugin loading.
type Registry map[HandlerName]Handler

// BackendConfig configures the two backend-aware handlers.
type BackendConfig struct {
	Backend    Backend
	RemoteURL  string
	HTTPClient *http.Client
}

// NewRegistry builds the fixed three-entry handler registry.
func NewRegistry(cfg BackendConfig) Registry {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return Registry{
		HandlerModuleAnalysis: &moduleAnalysisHandler{backend: cfg},
		HandlerSystemdAudit:   &systemdAuditHandler{},
		HandlerGeneric:        &genericHandler{backend: cfg},
	}
}

// moduleAnalysisHandler investigates a filesystem module/path, used for
// discover.module.* and reinvestigate.* questions.
type moduleAnalysisHandler struct {
	backend BackendConfig
}

func (h *moduleAnalysisHandler) Investigate(ctx context.Context, q QuestionData) (AnalysisResult, error) {
	modulePath := q.FactString("module_path")
	moduleName := q.FactString("module_name")
	if modulePath == "" {
		modulePath, moduleName = pathFromEvidence(q.Evidence)
	}
	if modulePath == "" || moduleName == "" {
		return AnalysisResult{Status: "failed", ErrorMessage: "could not extract module path from question data"}, nil
	}

	if h.backend.Backend == BackendRemoteHTTP {
		return remoteAnalyze(ctx, h.backend, "module", moduleName, q.Question, map[string]any{
			"module_path":        modulePath,
			"module_name":        moduleName,
			"custom_instructions": q.FactString("custom_instructions"),
		})
	}
	return localModuleAnalysis(modulePath, moduleName)
}

// localModuleAnalysis reads the module's directory listing and reports
// file counts as evidence. It does not run an LLM; it is the
// no-network bundled analyzer BackendLocal promises.
func localModuleAnalysis(modulePath, moduleName string) (AnalysisResult, error) {
	entries, err := os.ReadDir(modulePath)
	if err != nil {
		return AnalysisResult{
			Status:       "failed",
			ModuleName:   moduleName,
			ErrorMessage: fmt.Sprintf("read module path: %v", err),
		}, nil
	}

	var sourceFiles []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".go" || ext == ".py" || ext == ".ts" || ext == ".js" {
			sourceFiles = append(sourceFiles, e.Name())
		}
	}
	if len(sourceFiles) == 0 {
		return AnalysisResult{
			Status:     "unsolvable",
			ModuleName: moduleName,
			Tags:       []string{"unsolvable"},
			Evidence:   []string{fmt.Sprintf("path:%s", modulePath)},
		}, nil
	}

	evidence := make([]string, 0, len(sourceFiles)+1)
	evidence = append(evidence, fmt.Sprintf("path:%s", modulePath))
	for _, f := range sourceFiles {
		evidence = append(evidence, fmt.Sprintf("file:%s", f))
	}
	return AnalysisResult{
		Success:    true,
		Status:     "completed",
		ModuleName: moduleName,
		Evidence:   evidence,
		ModelUsed:  "local-heuristic",
	}, nil
}

func pathFromEvidence(evidence []string) (path, name string) {
	for _, e := range evidence {
		if strings.HasPrefix(e, "path:") {
			path = strings.TrimPrefix(e, "path:")
			name = filepath.Base(path)
			return path, name
		}
	}
	return "", ""
}

// systemdAuditHandler investigates a disabled/enabled systemd unit
// named by a systemd_audit_<service>_<type>_<timestamp> question id.
type systemdAuditHandler struct{}

func (h *systemdAuditHandler) Investigate(_ context.Context, q QuestionData) (AnalysisResult, error) {
	serviceName, unitType := parseSystemdQuestionID(q.QuestionID)
	if serviceName == "" || unitType == "" {
		return AnalysisResult{
			Status:       "failed",
			ErrorMessage: fmt.Sprintf("could not extract service name from question id: %s", q.QuestionID),
		}, nil
	}

	unitFile := fmt.Sprintf("/etc/systemd/system/%s.%s", serviceName, unitType)
	data, err := os.ReadFile(unitFile)
	if err != nil {
		return AnalysisResult{
			Status:     "failed",
			ModuleName: serviceName,
			Evidence:   []string{fmt.Sprintf("unit:%s.%s", serviceName, unitType)},
			ErrorMessage: fmt.Sprintf("read unit file: %v", err),
		}, nil
	}

	return AnalysisResult{
		Success:    true,
		Status:     "completed",
		ModuleName: serviceName,
		Evidence: []string{
			fmt.Sprintf("unit:%s.%s", serviceName, unitType),
			fmt.Sprintf("unit_file_bytes:%d", len(data)),
		},
		ModelUsed: "systemd-unit-reader",
	}, nil
}

// parseSystemdQuestionID extracts (service_name, unit_type) from
// "systemd_audit_{service_name}_{unit_type}_{timestamp}", e.g.
// "systemd_audit_nginx_service_1731700123" -> ("nginx", "service").
func parseSystemdQuestionID(questionID string) (serviceName, unitType string) {
	const prefix = "systemd_audit_"
	if !strings.HasPrefix(questionID, prefix) {
		return "", ""
	}
	rest := strings.TrimPrefix(questionID, prefix)
	parts := strings.Split(rest, "_")
	if len(parts) < 3 {
		return "", ""
	}
	unitType = parts[len(parts)-2]
	serviceName = strings.Join(parts[:len(parts)-2], "_")
	if serviceName == "" || unitType == "" {
		return "", ""
	}
	return serviceName, unitType
}

// genericHandler answers any other question type adaptively: it has no
// fixed notion of "module", so it either forwards the question text to
// a remote analysis endpoint or, locally, reports back the evidence it
// was already handed (no new information gathered). Such a local result
// counts as a failure under InvestigationRecord.IsFailure only when that
// evidence is empty or its hash matches the one already recorded for
// the question.
type genericHandler struct {
	backend BackendConfig
}

func (h *genericHandler) Investigate(ctx context.Context, q QuestionData) (AnalysisResult, error) {
	if h.backend.Backend == BackendRemoteHTTP {
		return remoteAnalyze(ctx, h.backend, "generic", "", q.Question, map[string]any{
			"initial_evidence": q.Evidence,
			"hypothesis":       q.Hypothesis,
		})
	}
	if len(q.Evidence) == 0 {
		return AnalysisResult{Status: "failed", ErrorMessage: "no initial evidence and no remote backend configured"}, nil
	}
	return AnalysisResult{
		Success:   true,
		Status:    "completed",
		Evidence:  q.Evidence,
		ModelUsed: "local-heuristic",
	}, nil
}

// remoteAnalysisRequest/Response are the wire shapes for
// BackendRemoteHTTP, replacing the teacher's gRPC+protobuf LLM client
// (see DESIGN.md) with plain JSON over HTTP.
type remoteAnalysisRequest struct {
	Kind     string         `json:"kind"`
	Name     string         `json:"name,omitempty"`
	Question string         `json:"question"`
	Facts    map[string]any `json:"facts,omitempty"`
}

type remoteAnalysisResponse struct {
	Success    bool     `json:"success"`
	ModuleName string   `json:"module_name,omitempty"`
	Evidence   []string `json:"evidence"`
	Tags       []string `json:"tags,omitempty"`
	ModelUsed  string   `json:"model_used"`
	TokensUsed int      `json:"tokens_used"`
	Error      string   `json:"error,omitempty"`
}

func remoteAnalyze(ctx context.Context, cfg BackendConfig, kind, name, question string, facts map[string]any) (AnalysisResult, error) {
	body, err := json.Marshal(remoteAnalysisRequest{Kind: kind, Name: name, Question: question, Facts: facts})
	if err != nil {
		return AnalysisResult{}, fmt.Errorf("marshal remote analysis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.RemoteURL, bytes.NewReader(body))
	if err != nil {
		return AnalysisResult{}, fmt.Errorf("build remote analysis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := cfg.HTTPClient.Do(req)
	if err != nil {
		return AnalysisResult{Status: "failed", ErrorMessage: err.Error()}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return AnalysisResult{Status: "failed", ErrorMessage: fmt.Sprintf("remote backend returned %d", resp.StatusCode)}, nil
	}

	var out remoteAnalysisResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return AnalysisResult{Status: "failed", ErrorMessage: fmt.Sprintf("decode remote analysis response: %v", err)}, nil
	}

	status := "completed"
	if !out.Success {
		status = "failed"
	}
	return AnalysisResult{
		Success:      out.Success,
		ModuleName:   out.ModuleName,
		Status:       status,
		Evidence:     out.Evidence,
		Tags:         out.Tags,
		ModelUsed:    out.ModelUsed,
		TokensUsed:   out.TokensUsed,
		ErrorMessage: out.Error,
	}, nil
}
