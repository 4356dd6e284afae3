package search

import "github.com/poiesic/casevault/core"

// SearchMonitor provides hooks to observe the search process.
// Implement this interface to track intermediate steps and results during search.
// Hooks are called sequentially from the goroutine running the search.
type SearchMonitor interface {
	Start(query core.Query)
	AfterLexicalSearch(hits []core.LexicalHit)
	AfterVectorSearch(hits []core.VectorHit)
	Degraded(reason string, err error)
	AfterFusion(candidates, matched int)
	Finish(response *core.SearchResponse)
}

// noopMonitor is a no-op implementation of SearchMonitor
type noopMonitor struct{}

var _ SearchMonitor = (*noopMonitor)(nil)

func (n *noopMonitor) Start(_ core.Query)                      {}
func (n *noopMonitor) AfterLexicalSearch(_ []core.LexicalHit)  {}
func (n *noopMonitor) AfterVectorSearch(_ []core.VectorHit)    {}
func (n *noopMonitor) Degraded(_ string, _ error)              {}
func (n *noopMonitor) AfterFusion(_, _ int)                    {}
func (n *noopMonitor) Finish(_ *core.SearchResponse)           {}
