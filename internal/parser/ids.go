package parser

import (
	"fmt"

	"github.com/google/uuid"
)

var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/bmad-dash/bmd"))

// stableID derives a UUIDv5 from the docs folder, the entity kind and a key
// unique within that kind.
func stableID(docsDir, kind, key string) string {
	return uuid.NewSHA1(idNamespace, []byte(docsDir+"\x00"+kind+"\x00"+key)).String()
}

func epicID(docsDir string, number int) string {
	return stableID(docsDir, "epic", fmt.Sprintf("%d", number))
}

func storyID(docsDir, number string) string {
	return stableID(docsDir, "story", number)
}

func taskID(storyID string, index int) string {
	return stableID(storyID, "task", fmt.Sprintf("%d", index))
}

func documentID(docsDir, relPath string) string {
	return stableID(docsDir, "document", relPath)
}
