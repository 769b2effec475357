package push

// Topic tells clients which push topic serves a resource namespace.
type Topic struct {
	Identity  string `json:"identity"`
	Namespace string `json:"namespace"`
	Topic     string `json:"topic"`
}
