package core

import "strings"

// JoinBranch composes a hierarchical branch identifier used to isolate
// events produced by sub-agent subtrees. If parent is empty it returns
// child; otherwise it returns parent + "." + child. An empty child returns
// parent.
func JoinBranch(parent, child string) string {
	if parent == "" {
		return child
	}
	if child == "" {
		return parent
	}
	return parent + "." + child
}

// IsBranchVisible reports whether an event tagged with eventBranch may be
// included in model-facing context for an agent operating on requestBranch.
// Visibility requires eventBranch to be an ancestor-or-self of requestBranch;
// events without a branch are visible everywhere.
func IsBranchVisible(eventBranch, requestBranch string) bool {
	if eventBranch == "" {
		return true
	}
	if eventBranch == requestBranch {
		return true
	}
	return strings.HasPrefix(requestBranch, eventBranch+".")
}
