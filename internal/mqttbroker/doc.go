// Package mqttbroker owns the bridge's MQTT side: connecting to the
// broker, subscribing to configured topics, draining the event
// broker's outbound queue to publish, and routing inbound messages
// back into the event broker for command dispatch and mqtt_message
// flow triggers.
package mqttbroker
