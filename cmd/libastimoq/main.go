package main

/*
#include <stdint.h>
*/
import "C"

import (
	"fmt"
	"log"
	"unsafe"

	"github.com/asticode/go-astimoq"
)

// No publishing backend is bundled, starting fails with astimoq.ErrPublishingUnsupported
var e = astimoq.NewEmbedder(astimoq.EmbedderOptions{Logger: log.Default()})

//export hang_start_from_c
func hang_start_from_c(url, path, profile *C.char) {
	if err := e.Start(C.GoString(url), C.GoString(path), C.GoString(profile)); err != nil {
		log.Println(fmt.Errorf("main: starting failed: %w", err))
	}
}

//export hang_stop_from_c
func hang_stop_from_c() {
	if err := e.Stop(); err != nil {
		log.Println(fmt.Errorf("main: stopping failed: %w", err))
	}
}

// The embedder copies the data before returning
func bytes(data *C.uint8_t, size C.uintptr_t) []byte {
	if data == nil || size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(data)), int(size))
}

//export hang_write_video_packet_from_c
func hang_write_video_packet_from_c(data *C.uint8_t, size C.uintptr_t, keyframe C.int32_t, dts C.uint64_t) {
	if err := e.WriteVideoPacket(bytes(data, size), keyframe != 0, uint64(dts)); err != nil {
		log.Println(fmt.Errorf("main: writing video packet failed: %w", err))
	}
}

//export hang_write_audio_packet_from_c
func hang_write_audio_packet_from_c(data *C.uint8_t, size C.uintptr_t, dts C.uint64_t) {
	if err := e.WriteAudioPacket(bytes(data, size), uint64(dts)); err != nil {
		log.Println(fmt.Errorf("main: writing audio packet failed: %w", err))
	}
}

func main() {}
