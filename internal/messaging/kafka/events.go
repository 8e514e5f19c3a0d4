package kafka

// Topics для Kafka.
const (
	// TopicNotifications — конверты уведомлений о результате заказа.
	TopicNotifications = "orderflow.notifications"
	// TopicOrderEvents — переходы статусов заказов для внешних подписчиков.
	TopicOrderEvents = "orderflow.order.events"
	// TopicDeadLetterQueue — сообщения, исчерпавшие попытки обработки.
	TopicDeadLetterQueue = "orderflow.dlq"
)

// Kafka headers для retry-логики.
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)
