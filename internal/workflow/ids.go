package workflow

import "github.com/google/uuid"

func newID(kind string) string {
	return kind + "_" + uuid.NewString()
}
