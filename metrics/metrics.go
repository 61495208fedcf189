// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

var (
	relayersEnrolled          = metrics.NewCounter("feemarket_relayers_enrolled_total")
	relayersWithdrawn         = metrics.NewCounter("feemarket_relayers_withdrawn_total")
	relayersSlashed           = metrics.NewCounter("feemarket_relayers_slashed_total")
	ordersCreated             = metrics.NewCounter("feemarket_orders_created_total")
	ordersSettledOnTime       = metrics.NewCounter("feemarket_orders_settled_total{path=\"on_time\"}")
	ordersSettledLate         = metrics.NewCounter("feemarket_orders_settled_total{path=\"late\"}")
	noRelayerRejections       = metrics.NewCounter("feemarket_no_relayer_rejections_total")
	settlementTransferFailure = metrics.NewCounter("feemarket_settlement_transfer_failures_total")
	rewardsPaid               = metrics.NewFloatCounter("feemarket_rewards_paid_total")
	feesCollected             = metrics.NewFloatCounter("feemarket_fees_collected_total")
	archiveWriteFailures      = metrics.NewCounter("feemarket_archive_write_failures_total")
	eventPublishFailures      = metrics.NewCounter("feemarket_event_publish_failures_total")
)

const (
	rpcCallDurationLabel = `feemarket_rpc_call_duration_milliseconds{method="%s"}`
	rpcCallFailureLabel  = `feemarket_rpc_call_failures_total{method="%s"}`
	archiveQueueLabel    = `feemarket_archive_queue_duration_milliseconds`
)

func IncEnrollments() {
	relayersEnrolled.Inc()
}

func IncWithdrawals() {
	relayersWithdrawn.Inc()
}

func IncRelayersSlashed() {
	relayersSlashed.Inc()
}

func IncOrdersCreated() {
	ordersCreated.Inc()
}

func IncOrdersSettledOnTime() {
	ordersSettledOnTime.Inc()
}

func IncOrdersSettledLate() {
	ordersSettledLate.Inc()
}

func IncNoRelayerRejections() {
	noRelayerRejections.Inc()
}

func IncSettlementTransferFailures() {
	settlementTransferFailure.Inc()
}

// AddRewardsPaid counts paid rewards in the smallest currency unit.
func AddRewardsPaid(amount uint64) {
	rewardsPaid.Add(float64(amount))
}

func AddFeesCollected(amount uint64) {
	feesCollected.Add(float64(amount))
}

func IncArchiveWriteFailures() {
	archiveWriteFailures.Inc()
}

func IncEventPublishFailures() {
	eventPublishFailures.Inc()
}

func RecordRPCCallDuration(method string, duration int64) {
	metrics.GetOrCreateSummary(fmt.Sprintf(rpcCallDurationLabel, method)).Update(float64(duration))
}

func IncRPCCallFailure(method string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(rpcCallFailureLabel, method)).Inc()
}

func RecordArchiveQueueDuration(duration int64) {
	metrics.GetOrCreateSummary(archiveQueueLabel).Update(float64(duration))
}
