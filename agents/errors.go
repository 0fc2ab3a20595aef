package agents

import (
	"encoding/json"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const ErrCodeMissingDeps = "AGENTS_MISSING_DEPS"

func errMissingDeps(names []string) error {
	return apperrors.New("agents: missing collaborators: "+strings.Join(names, ", "), apperrors.CategoryBadInput).
		WithTextCode(ErrCodeMissingDeps).
		WithMetadata(map[string]any{"missing": names})
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
