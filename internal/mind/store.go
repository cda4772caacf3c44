package mind

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"eth-trading-agent/internal/database"
	"eth-trading-agent/internal/logging"
)

// Top-level fields the cognitive document must carry
var requiredFields = []string{
	"market_beliefs",
	"strategy_weights",
	"lessons_learned",
	"bias_awareness",
}

// HistoryAppender journals document changes. Nil disables journaling.
type HistoryAppender interface {
	AppendMindHistory(ctx context.Context, h *database.MindHistory) error
}

// Store owns the cognitive document on disk. All writes are serialized.
type Store struct {
	path         string
	templatePath string
	history      HistoryAppender
	mu           sync.Mutex
	log          *logging.Logger
}

func NewStore(path, templatePath string, history HistoryAppender) *Store {
	return &Store{
		path:         path,
		templatePath: templatePath,
		history:      history,
		log:          logging.WithComponent("mind"),
	}
}

// Validate checks the document structure and returns warnings. It never
// rejects a document; callers decide what to do with the warnings.
func Validate(doc map[string]any) []string {
	var warnings []string
	if doc == nil {
		warnings = append(warnings, "Market Mind必须是JSON对象")
		return warnings
	}

	for _, field := range requiredFields {
		if _, ok := doc[field]; !ok {
			warnings = append(warnings, fmt.Sprintf("缺少必要字段: %s", field))
		}
	}

	if v, ok := doc["bias_awareness"]; ok {
		if _, isList := v.([]any); !isList {
			warnings = append(warnings, "bias_awareness必须是数组")
		}
	}
	if v, ok := doc["lessons_learned"]; ok {
		if _, isList := v.([]any); !isList {
			warnings = append(warnings, "lessons_learned必须是数组")
		}
	}
	if v, ok := doc["strategy_weights"]; ok {
		if _, isMap := v.(map[string]any); !isMap {
			warnings = append(warnings, "strategy_weights必须是对象")
		}
	}
	if v, ok := doc["market_beliefs"]; ok {
		if _, isMap := v.(map[string]any); !isMap {
			warnings = append(warnings, "market_beliefs必须是对象")
		}
	}

	return warnings
}

// DeepMerge recursively merges patch into base. When both sides hold an
// object at the same key, the objects merge; otherwise the patch value wins.
// Neither input is mutated.
func DeepMerge(base, patch map[string]any) map[string]any {
	merged := deepCopyMap(base)
	for key, value := range patch {
		patchMap, patchIsMap := value.(map[string]any)
		baseMap, baseIsMap := merged[key].(map[string]any)
		if patchIsMap && baseIsMap {
			merged[key] = DeepMerge(baseMap, patchMap)
			continue
		}
		merged[key] = deepCopyValue(value)
	}
	return merged
}

// ensureFile makes sure the document exists on disk: existing file, then
// template copy, then a blank skeleton.
func (s *Store) ensureFile() error {
	if _, err := os.Stat(s.path); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create mind directory: %w", err)
	}

	if s.templatePath != "" {
		if template, err := os.ReadFile(s.templatePath); err == nil {
			if err := os.WriteFile(s.path, template, 0644); err != nil {
				return fmt.Errorf("copy mind template: %w", err)
			}
			return nil
		}
	}

	fallback := map[string]any{
		"version":            "1.0",
		"last_updated":       nil,
		"updated_by":         "manual_init",
		"market_beliefs":     map[string]any{},
		"strategy_weights":   map[string]any{},
		"lessons_learned":    []any{},
		"bias_awareness":     []any{},
		"active_watchlist":   []any{},
		"user_inputs":        []any{},
		"performance_memory": map[string]any{},
	}
	data, err := json.MarshalIndent(fallback, "", "  ")
	if err != nil {
		return fmt.Errorf("encode mind skeleton: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("write mind skeleton: %w", err)
	}
	return nil
}

// Load returns the current document, initializing the file if needed
func (s *Store) Load() (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (map[string]any, error) {
	if err := s.ensureFile(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read mind file: %w", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse mind file: %w", err)
	}
	return doc, nil
}

// Save replaces the document. The pre-image is read first, the new state is
// stamped with last_updated/updated_by, and the change is journaled.
func (s *Store) Save(ctx context.Context, doc map[string]any, changedBy, changeSummary string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(ctx, doc, changedBy, changeSummary)
}

func (s *Store) saveLocked(ctx context.Context, doc map[string]any, changedBy, changeSummary string) (map[string]any, error) {
	if warnings := Validate(doc); len(warnings) > 0 {
		s.log.Warn("mind document validation warnings", "warnings", warnings)
	}

	previous, err := s.loadLocked()
	if err != nil {
		return nil, err
	}

	next := deepCopyMap(doc)
	next["last_updated"] = time.Now().UTC().Format(time.RFC3339)
	next["updated_by"] = changedBy

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode mind document: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return nil, fmt.Errorf("write mind document: %w", err)
	}

	if s.history != nil {
		if changeSummary == "" {
			changeSummary = "Market Mind updated"
		}
		prevJSON, _ := json.Marshal(previous)
		nextJSON, _ := json.Marshal(next)
		record := &database.MindHistory{
			Timestamp:     time.Now().UTC(),
			ChangedBy:     changedBy,
			PreviousState: string(prevJSON),
			NewState:      string(nextJSON),
			ChangeSummary: changeSummary,
		}
		if err := s.history.AppendMindHistory(ctx, record); err != nil {
			s.log.Error("failed to journal mind change", "error", err)
		}
	}

	return next, nil
}

// Update deep-merges a patch into the current document and saves the result
func (s *Store) Update(ctx context.Context, patch map[string]any, changedBy, changeSummary string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	merged := DeepMerge(current, patch)
	return s.saveLocked(ctx, merged, changedBy, changeSummary)
}

// PromptPreview renders the analyst briefing built from the document
func PromptPreview(doc map[string]any) string {
	biasCount := 0
	if biases, ok := doc["bias_awareness"].([]any); ok {
		biasCount = len(biases)
	}

	accuracyText := "N/A"
	if memory, ok := doc["performance_memory"].(map[string]any); ok {
		if accuracy, ok := memory["recent_accuracy"]; ok && accuracy != nil {
			if encoded, err := json.Marshal(accuracy); err == nil {
				accuracyText = string(encoded)
			}
		}
	}

	daysSince := "unknown"
	if raw, ok := doc["last_updated"].(string); ok && raw != "" {
		if updatedAt, err := time.Parse(time.RFC3339, raw); err == nil {
			days := int(time.Since(updatedAt).Hours() / 24)
			if days < 0 {
				days = 0
			}
			daysSince = fmt.Sprintf("%d", days)
		}
	}

	mindJSON, _ := json.MarshalIndent(doc, "", "  ")

	return fmt.Sprintf(
		"你是ETH量化交易分析师。\n\n"+
			"## 你的当前认知状态 (Market Mind)\n"+
			"%s\n\n"+
			"## 重要提醒\n"+
			"- 你的偏误警觉列表中有%d条提醒，做决策前请检查\n"+
			"- 上次更新认知是在%s天前\n"+
			"- 你最近10次决策的准确率是%s\n",
		string(mindJSON), biasCount, daysSince, accuracyText,
	)
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}
