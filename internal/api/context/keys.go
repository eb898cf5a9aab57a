package context

type Key string

const (
	Claims    Key = "claims"
	Workspace Key = "workspace"
	Params    Key = "params"
)
