// Package driver holds device protocol knowledge: how to render commands
// and how to judge what the device sends back.
//
// A Driver supplies the receive callback for a device's processor. Command
// sets describe the commands a device understands as printf-style
// templates, each optionally paired with regular expressions recognising
// good and bad replies.
//
// Two drivers are built in and selected by name from configuration:
//
//   - "raw" accepts every frame as the response to the in-flight command.
//   - "pattern" classifies frames with success, error and ignore expressions.
package driver
