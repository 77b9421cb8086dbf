package engine

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"

	"github.com/ddunford/vllmmanager/internal/types"
)

const (
	vllmPrefix   = "vllm"
	ollamaPrefix = "ollama"
)

var containerNameRE = regexp.MustCompile(`^(vllm|ollama)-(.+)-([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})$`)

// ContainerName formats the name under which a container for this
// system's engine prefix is created (spec.md §4.4): "vllm-{name}-{id}"
// or "ollama-{name}-{id}".
func ContainerName(kind types.Kind, name string, id uuid.UUID) string {
	return fmt.Sprintf("%s-%s-%s", prefixFor(kind), name, id.String())
}

func prefixFor(kind types.Kind) string {
	if kind == types.KindOllama {
		return ollamaPrefix
	}
	return vllmPrefix
}

// ParseContainerName recovers kind, name, and id from a container name
// previously produced by ContainerName, for orphan detection (spec.md
// §4.5). ok is false if name does not match the expected shape.
func ParseContainerName(containerName string) (kind types.Kind, name string, id uuid.UUID, ok bool) {
	m := containerNameRE.FindStringSubmatch(containerName)
	if m == nil {
		return "", "", uuid.Nil, false
	}

	parsedID, err := uuid.Parse(m[3])
	if err != nil {
		return "", "", uuid.Nil, false
	}

	k := types.KindVLLM
	if m[1] == ollamaPrefix {
		k = types.KindOllama
	}
	return k, m[2], parsedID, true
}
