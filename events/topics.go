package events

import (
	"slices"
	"strings"
)

// Reserved topic namespaces shared by the collaborating agents.
const (
	NamespacePipeline   = "pipeline"
	NamespaceValidation = "validation"
	NamespaceWorkflow   = "workflow"
	NamespacePattern    = "pattern"
	NamespaceInsight    = "insight"
	NamespaceKnowledge  = "knowledge"
	NamespaceLLM        = "llm"
	NamespaceSystem     = "system"
)

// ReservedNamespaces lists the namespaces in the order they are documented.
var ReservedNamespaces = []string{
	NamespacePipeline,
	NamespaceValidation,
	NamespaceWorkflow,
	NamespacePattern,
	NamespaceInsight,
	NamespaceKnowledge,
	NamespaceLLM,
	NamespaceSystem,
}

// TopicSeparator separates the namespace from the action in a topic.
const TopicSeparator = ":"

// Topic joins a namespace and an action.
func Topic(namespace, action string) string {
	return namespace + TopicSeparator + action
}

// Namespace returns the namespace of a topic, or the whole topic when it has
// no separator.
func Namespace(topic string) string {
	ns, _, _ := strings.Cut(topic, TopicSeparator)
	return ns
}

// Action returns the part of the topic after the first separator.
func Action(topic string) string {
	_, action, _ := strings.Cut(topic, TopicSeparator)
	return action
}

// IsReserved reports whether the topic lives in one of the reserved namespaces.
func IsReserved(topic string) bool {
	ns := Namespace(topic)
	return slices.Contains(ReservedNamespaces, ns)
}
