package handler

type GroupParams struct {
	GroupName string `param:"group"`
}
