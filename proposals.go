// jscomplete/proposals.go
// Completion proposals computed from an invocation context and the compiled tree.
package jscomplete

import (
	"slices"
	"strings"
)

// proposalSource bundles the inputs of computeProposals.
type proposalSource struct {
	ictx          *InvocationContext
	projectSyms   map[string]FileID // own project's symbols
	referenceSyms map[string]FileID // symbols of referenced projects
	maxProposals  int
}

// computeProposals lists candidates for the caret described by src.ictx.
//
// With an empty qualified path the candidates are the identifiers declared in
// the file plus the symbols of the project and its references. With a path
// a.b the candidates are the property names seen after a.b in the file,
// either as member accesses (a.b.x) or as object literal keys assigned to a.b.
// Candidates are filtered by the prefix, de-duplicated and sorted.
func computeProposals(src proposalSource) []Proposal {
	ictx := src.ictx
	if ictx == nil {
		return []Proposal{}
	}
	prefix := ictx.Prefix()
	path := ictx.QualifiedPath()

	var root SyntaxNode
	if ictx.Run() != nil && ictx.Unit() != nil {
		root = ictx.Run().Root(ictx.Unit())
	}

	byLabel := make(map[string]Proposal)
	add := func(p Proposal) {
		if p.Label == "" || !strings.HasPrefix(p.Label, prefix) {
			return
		}
		if _, dup := byLabel[p.Label]; !dup {
			byLabel[p.Label] = p
		}
	}

	if len(path) == 0 {
		if root != nil {
			for _, p := range declaredIdentifiers(root, ictx.PrefixOffset, ictx.InvocationOffset) {
				add(p)
			}
		}
		for name, f := range src.projectSyms {
			add(Proposal{Label: name, Kind: ProposalGlobal, Detail: string(f)})
		}
		for name, f := range src.referenceSyms {
			add(Proposal{Label: name, Kind: ProposalGlobal, Detail: string(f)})
		}
	} else if root != nil {
		for _, name := range propertiesOf(root, strings.Join(path, "."), ictx.PrefixOffset, ictx.InvocationOffset) {
			add(Proposal{Label: name, Kind: ProposalProperty})
		}
	}

	out := make([]Proposal, 0, len(byLabel))
	for _, p := range byLabel {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Proposal) int { return strings.Compare(a.Label, b.Label) })
	if src.maxProposals > 0 && len(out) > src.maxProposals {
		out = out[:src.maxProposals]
	}
	return out
}

// walkNamed visits n and all its named descendants depth-first.
func walkNamed(n SyntaxNode, visit func(SyntaxNode)) {
	stack := []SyntaxNode{n}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		visit(cur)
		children := cur.NamedChildren()
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}
}

// underCaret reports whether n spans the token being typed.
func underCaret(n SyntaxNode, prefixOffset, invocationOffset int) bool {
	return n.StartOffset() <= prefixOffset && invocationOffset <= n.EndOffset() && prefixOffset < invocationOffset
}

// declaredIdentifiers returns the names declared anywhere in the tree, classified by declaration kind.
func declaredIdentifiers(root SyntaxNode, prefixOffset, invocationOffset int) []Proposal {
	var out []Proposal
	walkNamed(root, func(n SyntaxNode) {
		var kind ProposalKind
		switch n.Kind() {
		case "function_declaration", "generator_function_declaration":
			kind = ProposalFunction
		case "class_declaration":
			kind = ProposalClass
		case "variable_declarator":
			kind = ProposalVariable
			if children := n.NamedChildren(); len(children) > 1 {
				switch children[1].Kind() {
				case "arrow_function", "function_expression", "function":
					kind = ProposalFunction
				case "class":
					kind = ProposalClass
				}
			}
		case "formal_parameters":
			for _, p := range n.NamedChildren() {
				if p.Kind() == "identifier" && !underCaret(p, prefixOffset, invocationOffset) {
					out = append(out, Proposal{Label: p.Text(), Kind: ProposalVariable, Detail: "parameter"})
				}
			}
			return
		default:
			return
		}
		children := n.NamedChildren()
		if len(children) == 0 || children[0].Kind() != "identifier" || underCaret(children[0], prefixOffset, invocationOffset) {
			return
		}
		out = append(out, Proposal{Label: children[0].Text(), Kind: kind})
	})
	return out
}

// propertiesOf returns the property names the tree associates with the dotted expression target.
func propertiesOf(root SyntaxNode, target string, prefixOffset, invocationOffset int) []string {
	var out []string
	objectKeys := func(obj SyntaxNode) {
		if obj.Kind() != "object" {
			return
		}
		for _, member := range obj.NamedChildren() {
			switch member.Kind() {
			case "pair":
				if kv := member.NamedChildren(); len(kv) > 0 {
					out = append(out, strings.Trim(kv[0].Text(), `"'`))
				}
			case "method_definition", "shorthand_property_identifier":
				if member.Kind() == "shorthand_property_identifier" {
					out = append(out, member.Text())
				} else if kv := member.NamedChildren(); len(kv) > 0 {
					out = append(out, kv[0].Text())
				}
			}
		}
	}
	walkNamed(root, func(n SyntaxNode) {
		children := n.NamedChildren()
		switch n.Kind() {
		case "member_expression":
			if len(children) == 2 && children[1].Kind() == "property_identifier" &&
				compactText(children[0]) == target && !underCaret(children[1], prefixOffset, invocationOffset) {
				out = append(out, children[1].Text())
			}
		case "assignment_expression":
			if len(children) == 2 && compactText(children[0]) == target {
				objectKeys(children[1])
			}
		case "variable_declarator":
			if len(children) == 2 && children[0].Text() == target {
				objectKeys(children[1])
			}
		}
	})
	return out
}

// compactText returns n's text with whitespace removed, so that "a .b" matches "a.b".
func compactText(n SyntaxNode) string {
	return strings.Join(strings.Fields(n.Text()), "")
}
