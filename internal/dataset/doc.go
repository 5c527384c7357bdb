// Package dataset loads labeled images from a class-per-directory tree and
// serves them as shuffled batches.
//
// Layout expected under the root:
//
//	root/
//	    classA/img001.png
//	    classA/img002.png
//	    classB/nested/img003.jpg
//
// Class names are the immediate subdirectories of root, sorted, and map to
// label indices 0..K-1. Every file below a class directory with a known
// image extension is a sample of that class.
//
// Images are decoded to RGB and converted to CHW float32 in [0, 1] by
// ToTensor. The Loader reshuffles once per epoch and decodes ahead of the
// consumer on a fixed number of worker goroutines while still yielding
// batches in exactly the shuffled order.
package dataset
