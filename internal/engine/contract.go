package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/metalagman/planrun/internal/errs"
	"github.com/metalagman/planrun/internal/model"
	"github.com/xeipuuv/gojsonschema"
)

// aggregate builds the run's overall result: the sole output of a single-task
// plan, otherwise an object keyed by task name.
func aggregate(p model.Plan, results map[string]json.RawMessage) (json.RawMessage, error) {
	if len(p.Tasks) == 1 {
		return results[p.Tasks[0].Name], nil
	}
	out, err := json.Marshal(results)
	if err != nil {
		return nil, fmt.Errorf("encode aggregate result: %w", err)
	}
	return out, nil
}

// checkOutputContract validates the aggregate against a json contract's
// schema. Text contracts and json contracts without a schema always pass.
func checkOutputContract(p model.Plan, results map[string]json.RawMessage) error {
	if p.OutputContract.Type != model.OutputJSON || len(p.OutputContract.Schema) == 0 {
		return nil
	}
	doc, err := aggregate(p, results)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "")
	}
	if !json.Valid(doc) {
		return errs.New(errs.OutputContract, "result is not valid json")
	}

	res, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(p.OutputContract.Schema),
		gojsonschema.NewBytesLoader(doc),
	)
	if err != nil {
		return errs.Wrap(errs.OutputContract, err, "validate result")
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return errs.Newf(errs.OutputContract, "result does not match output schema: %s", strings.Join(msgs, "; "))
}
