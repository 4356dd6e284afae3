package badger

import "github.com/poiesic/casevault/storage"

// Repositories bundles every repository sharing one Backend.
type Repositories struct {
	Opinions storage.OpinionRepository
	Lexical  storage.LexicalIndex
	Chunks   storage.ChunkRepository
	Statuses storage.StatusRepository
}

// NewRepositories creates all repositories over backend.
// Close releases repository resources; the backend is closed by its owner.
func NewRepositories(backend *Backend) (*Repositories, error) {
	opinions, err := NewOpinionRepository(backend)
	if err != nil {
		return nil, err
	}
	return &Repositories{
		Opinions: opinions,
		Lexical:  NewLexicalIndex(backend),
		Chunks:   NewChunkRepository(backend),
		Statuses: NewStatusRepository(backend),
	}, nil
}

// Close releases the opinion id sequence.
func (r *Repositories) Close() error {
	return r.Opinions.Close()
}
