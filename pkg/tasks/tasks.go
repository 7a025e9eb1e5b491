package tasks

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	TypeReconcileSubscription = "subscription:reconcile"
	TypeCheckAllSubscriptions = "subscriptions:check"
	TypeRetryImports          = "imports:retry"
	TypeScanLibrary           = "library:scan"
)

type ReconcileSubscriptionTaskPayload struct {
	SubscriptionID int
}

func NewReconcileSubscriptionTask(subscriptionID int) (*asynq.Task, error) {
	payload, err := json.Marshal(ReconcileSubscriptionTaskPayload{SubscriptionID: subscriptionID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeReconcileSubscription, payload), nil
}

func NewCheckAllSubscriptionsTask() (*asynq.Task, error) {
	return asynq.NewTask(TypeCheckAllSubscriptions, nil), nil
}

func NewRetryImportsTask() (*asynq.Task, error) {
	return asynq.NewTask(TypeRetryImports, nil), nil
}

func NewScanLibraryTask() (*asynq.Task, error) {
	return asynq.NewTask(TypeScanLibrary, nil), nil
}
