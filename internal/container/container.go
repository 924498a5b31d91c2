// Package container defines the capability interface for the external
// image-container collaborator. The driver
// never implements an actual boot-image container format; it only consumes
// this interface.
package container

import "amlboot/internal/amlerr"

// Item is a read-only cursor over a named image component.
type Item interface {
	MainType() string
	SubType() string
	Size() int64
	Seek(offset int64) error
	Read(n int) ([]byte, error)
}

// Container exposes the catalog of items an image carries, keyed by
// (main_type, sub_type).
type Container interface {
	Items() []Item
	ItemGet(mainType, subType string) (Item, error)
}

// NotFound returns the Image-kind error used when a container has no item
// for (mainType, subType).
func NotFound(mainType, subType string) error {
	return amlerr.New(amlerr.Image, "item_get", "item not found", mainType+"/"+subType)
}
