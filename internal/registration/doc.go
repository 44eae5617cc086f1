// Package registration reassembles the controller registration handshake
// and persists the result.
//
// A controller first publishes one message to
// sentient/system/register/controller declaring how many devices it owns,
// then one message per device to sentient/system/register/device. The
// Aggregator buffers these per controller_id and finalizes once every device
// has arrived or the registration timeout fires, whichever comes first.
// Finalizing writes the controller, its devices and their commands in a
// single SQLite transaction.
//
// Entries that describe the controller itself (device ids such as
// "controller_board" or types "controller"/"microcontroller") are not
// devices: they reduce the expected count instead of being stored.
//
// Older firmware publishes everything in one message to
// sentient/system/register with a capability manifest; HandleLegacy
// converts that into the same Registration and stores it directly.
package registration
