// Package result merges the ensemble decision and the explanation into the response.
package result

import (
	"github.com/Brownie44l1/ensemble-api/internal/ensemble"
	"github.com/Brownie44l1/ensemble-api/internal/explain"
)

// StatusSuccess marks a completed diagnosis.
const StatusSuccess = "success"

// ExplanationUnavailable replaces the explanation image when attribution failed.
const ExplanationUnavailable = "unavailable"

// Response is the structured result handed back to callers.
type Response struct {
	Status             string             `json:"status"`
	FinalDiagnosis     string             `json:"final_diagnosis"`
	ConfidenceScores   map[string]float64 `json:"confidence_scores"`
	EnsembleConfidence float64            `json:"ensemble_confidence"`
	LimeImageB64       string             `json:"lime_image_b64"`

	ExplanationAvailable bool   `json:"explanation_available"`
	ExplanationError     string `json:"explanation_error,omitempty"`
	ExplanationModel     string `json:"explanation_model,omitempty"`
	TargetClass          *int   `json:"target_class,omitempty"`
	ExplainedSegments    []int  `json:"explained_segments,omitempty"`
}

// Assemble builds the response. exp may be nil, in which case expErr (if any)
// is reported and the explanation is marked unavailable.
func Assemble(res *ensemble.Result, exp *explain.Explanation, expErr error) *Response {
	resp := &Response{
		Status:             StatusSuccess,
		FinalDiagnosis:     res.Label,
		ConfidenceScores:   res.Scores,
		EnsembleConfidence: res.Confidence,
		LimeImageB64:       ExplanationUnavailable,
	}

	if exp == nil {
		if expErr != nil {
			resp.ExplanationError = expErr.Error()
		}
		return resp
	}

	target := exp.TargetClass
	resp.LimeImageB64 = exp.Base64()
	resp.ExplanationAvailable = true
	resp.ExplanationModel = exp.ModelID
	resp.TargetClass = &target
	resp.ExplainedSegments = exp.Selected
	return resp
}
