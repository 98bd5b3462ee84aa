// Package stream provides the observable streams shared by feed observers.
//
// A Broadcaster fans every published value out to any number of
// Subscriptions. Each subscription owns a Queue, so a slow observer never
// blocks the publisher; when a queue reaches its limit the oldest value is
// dropped and counted.
//
// A state broadcaster additionally remembers the latest value and replays it
// to every new subscriber before any live value.
package stream
