package db

// Repositories groups the repositories sharing one connection or transaction
type Repositories struct {
	Contents *ContentRepository
}

// NewRepositories binds every repository to db
func NewRepositories(db *DB) *Repositories {
	return &Repositories{Contents: NewContentRepository(db)}
}
