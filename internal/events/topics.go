package events

const (
	// order -> stock
	TopicFetchProductInfo = "fetch-product-info"
	TopicDecreaseStock    = "decrease-stock"
	TopicRollbackStock    = "rollback-stock"

	// stock -> order
	TopicProductInfoResult = "product-info-result"
	TopicStockDecreased    = "stock-decreased"

	// order -> payment
	TopicPreparePayment = "prepare-payment"
	TopicPaymentPending = "payment-pending"
	TopicPaymentCancel  = "payment-cancel"

	// payment -> order
	TopicPaymentPrepared      = "payment-prepared"
	TopicPaymentPrepareFail   = "payment-prepare-fail"
	TopicPaymentConfirmed     = "payment-confirmed"
	TopicPaymentConfirmedFail = "payment-confirmed-fail"
	TopicPaymentCanceled      = "payment-canceled"
	TopicPaymentCanceledFail  = "payment-canceled-fail"

	DeadLetterSuffix = "-dlt"
)

func DeadLetter(topic string) string {
	return topic + DeadLetterSuffix
}

// OrderTopics are consumed by the order coordinator.
var OrderTopics = []string{
	TopicProductInfoResult,
	TopicPaymentPrepared,
	TopicPaymentPrepareFail,
	TopicStockDecreased,
	TopicPaymentConfirmed,
	TopicPaymentConfirmedFail,
	TopicPaymentCanceled,
	TopicPaymentCanceledFail,
}

var StockTopics = []string{
	TopicFetchProductInfo,
	TopicDecreaseStock,
	TopicRollbackStock,
}

var PaymentTopics = []string{
	TopicPreparePayment,
	TopicPaymentPending,
	TopicPaymentCancel,
}
