package services

import (
	"math"

	"github.com/camden-git/attendancebackend/repository"
)

const unitNormTolerance = 1e-3

// ModelAudit summarizes the stored vectors of one model version.
type ModelAudit struct {
	Embeddings int         `json:"embeddings"`
	Identities int         `json:"identities"`
	Dimensions map[int]int `json:"dimensions"`
	ZeroNorm   int         `json:"zero_norm"`
	NonUnit    int         `json:"non_unit"`
	NonFinite  int         `json:"non_finite"`
}

// EmbeddingAudit is a health report over the whole embedding store.
type EmbeddingAudit struct {
	Embeddings int                    `json:"embeddings"`
	Identities int                    `json:"identities"`
	Models     map[string]*ModelAudit `json:"models"`
	Healthy    bool                   `json:"healthy"`
}

// AuditEmbeddings scans every stored vector and counts the ones that would
// misbehave in matching: mixed dimensions, zero or non-unit norms, NaN/Inf.
func AuditEmbeddings(store repository.EmbeddingStore) (*EmbeddingAudit, error) {
	identities, err := store.GetAllIdentities()
	if err != nil {
		return nil, err
	}

	audit := &EmbeddingAudit{Identities: len(identities), Models: make(map[string]*ModelAudit), Healthy: true}
	for _, ident := range identities {
		seen := make(map[string]bool)
		for _, row := range ident.Embeddings {
			m := audit.Models[row.ModelVersion]
			if m == nil {
				m = &ModelAudit{Dimensions: make(map[int]int)}
				audit.Models[row.ModelVersion] = m
			}
			if !seen[row.ModelVersion] {
				seen[row.ModelVersion] = true
				m.Identities++
			}
			audit.Embeddings++
			m.Embeddings++

			vec := row.Vector()
			m.Dimensions[len(vec)]++

			var sum float64
			finite := true
			for _, x := range vec {
				f := float64(x)
				if math.IsNaN(f) || math.IsInf(f, 0) {
					finite = false
					break
				}
				sum += f * f
			}
			switch {
			case !finite:
				m.NonFinite++
			case sum == 0:
				m.ZeroNorm++
			case math.Abs(math.Sqrt(sum)-1) > unitNormTolerance:
				m.NonUnit++
			}
		}
	}

	for _, m := range audit.Models {
		if len(m.Dimensions) > 1 || m.ZeroNorm > 0 || m.NonUnit > 0 || m.NonFinite > 0 {
			audit.Healthy = false
		}
	}
	return audit, nil
}
