package usecase

import (
	"strings"

	"github.com/YasinmkDev/IPE-Project-app/internal/domain"
)

// dangerousActions are the settings UI labels that, co-occurring with
// the agent's own display name, indicate an attempt to disable it.
var dangerousActions = []string{
	"Uninstall",
	"Deactivate",
	"Force stop",
	"Clear data",
	"Remove",
}

// findDangerousAction walks the rendered settings tree depth-first
// looking for the agent's display name with a dangerous action label in
// its subtree. Settings trees are shallow in practice, so recursion
// depth is not bounded. Returns the first matching label.
func findDangerousAction(root *domain.UINode, displayName string) (string, bool) {
	if root == nil || displayName == "" {
		return "", false
	}
	return scanNode(root, strings.ToLower(displayName))
}

func scanNode(n *domain.UINode, nameLower string) (string, bool) {
	if nodeMentions(n, nameLower) {
		if label, ok := findActionLabel(n); ok {
			return label, true
		}
	}
	for i := range n.Children {
		if label, ok := scanNode(&n.Children[i], nameLower); ok {
			return label, true
		}
	}
	return "", false
}

func nodeMentions(n *domain.UINode, nameLower string) bool {
	return strings.Contains(strings.ToLower(n.Text), nameLower) ||
		strings.Contains(strings.ToLower(n.ViewID), nameLower)
}

// findActionLabel searches a subtree for any dangerous action label.
func findActionLabel(n *domain.UINode) (string, bool) {
	text := strings.ToLower(n.Text)
	for _, action := range dangerousActions {
		if strings.Contains(text, strings.ToLower(action)) {
			return action, true
		}
	}
	for i := range n.Children {
		if label, ok := findActionLabel(&n.Children[i]); ok {
			return label, true
		}
	}
	return "", false
}
