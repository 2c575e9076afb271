// Package metered provides a bounded multi-producer, single-consumer channel
// that keeps a gauge equal to the number of messages it holds.
//
// Every committed enqueue increments the gauge once and every committed
// dequeue decrements it once. Failed, cancelled, or rejected operations never
// touch it, so at any point where no send or receive is in flight the gauge
// reads exactly sent minus received.
//
//	reg := prometheus.NewRegistry()
//	m, _ := channelmetrics.NewBasic("jobs", "job", reg)
//	tx, rx, err := metered.New[Job](64, m.QueueSize)
//	if err != nil {
//		return err
//	}
//	defer tx.Close()
//
//	go func() {
//		for job := range rx.All(ctx) {
//			handle(job)
//		}
//	}()
//
//	if err := tx.Send(ctx, job); err != nil {
//		// channel closed or ctx done; the job is in err.(*metered.SendError[Job]).Value
//	}
//
// Send suspends while the channel is full, which is the backpressure signal;
// TrySend reports ErrFull instead. Closing every Sender lets the Receiver
// drain what is buffered and then observe ErrDisconnected. Closing the
// Receiver makes every later send fail with ErrClosed.
package metered
