package actions

import (
	"github.com/rendis/budpipeline/internal/expressions"
)

// BuiltinConfig configures the built-in actions.
type BuiltinConfig struct {
	HTTP              HTTPConfig
	NotificationTopic string
	ClusterAppID      string
	Conditions        *expressions.ConditionEvaluator
	JQ                *expressions.GoJQEngine
}

// Builtins returns the built-in actions.
func Builtins(cfg BuiltinConfig) []Action {
	return []Action{
		&AggregateAction{},
		NewTransformAction(cfg.JQ),
		NewConditionalAction(cfg.Conditions),
		NewHTTPRequestAction(cfg.HTTP),
		NewWebhookAction(cfg.HTTP),
		NewNotificationAction(cfg.NotificationTopic),
		&ServiceInvokeAction{},
		NewClusterHealthAction(cfg.ClusterAppID),
		NewDeploymentCreateAction(cfg.ClusterAppID),
		NewRemoteJobAction(),
		&WaitAction{},
		&LogAction{},
	}
}

// RegisterBuiltins registers all built-in actions in the given registry.
func RegisterBuiltins(reg *Registry, cfg BuiltinConfig) error {
	for _, a := range Builtins(cfg) {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}

var (
	_ EventHandler   = (*RemoteJobAction)(nil)
	_ Canceller      = (*RemoteJobAction)(nil)
	_ EventHandler   = (*WaitAction)(nil)
	_ TimeoutHandler = (*WaitAction)(nil)
)
