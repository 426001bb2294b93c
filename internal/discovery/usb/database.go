// internal/discovery/usb/database.go
package usb

import "mfdeploy/internal/model"

// knownVendors maps vendor ids seen on .NET Micro Framework boards and their
// usual USB-serial bridges to a manufacturer name.
var knownVendors = map[uint16]string{
	0x045E: "Microsoft",
	0x0483: "STMicroelectronics",
	0x03EB: "Atmel",
	0x04D8: "Microchip",
	0x1B9F: "GHI Electronics",
	0x1FC9: "NXP",
	0x15A2: "Freescale",
	0x22B1: "Secret Labs",
	0x0403: "FTDI",
	0x10C4: "Silicon Labs",
	0x067B: "Prolific",
}

// LookupVendor returns the manufacturer name registered for a vendor id
func LookupVendor(vendorID uint16) (string, bool) {
	name, ok := knownVendors[vendorID]
	return name, ok
}

// KnownVendorIDs lists every vendor id in the table
func KnownVendorIDs() []uint16 {
	ids := make([]uint16, 0, len(knownVendors))
	for id := range knownVendors {
		ids = append(ids, id)
	}
	return ids
}

// annotate fills a missing manufacturer string from the vendor table.
// Devices without string descriptor access report an empty one.
func annotate(params model.USBParams) model.USBParams {
	if params.Manufacturer != "" {
		return params
	}
	if name, ok := LookupVendor(params.VendorID); ok {
		params.Manufacturer = name
	}
	return params
}
