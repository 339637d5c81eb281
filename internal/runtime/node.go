package runtime

// NodeRuntime runs JavaScript files with a Node.js compatible interpreter.
type NodeRuntime struct {
	Binary string
}

func (n *NodeRuntime) Name() string { return "javascript" }

// Command passes the run file as the interpreter's only argument.
func (n *NodeRuntime) Command(codePath string) []string {
	bin := n.Binary
	if bin == "" {
		bin = "node"
	}
	return []string{bin, codePath}
}

func (n *NodeRuntime) FileExtension() string { return ".js" }

func (n *NodeRuntime) Validate(code string) error {
	return validateSize(code)
}
