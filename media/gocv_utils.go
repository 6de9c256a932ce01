package media

import (
	"fmt"
	"image"
	"log"

	"gocv.io/x/gocv"
)

// loadNet reads a DNN model and prefers CUDA, falling back to the CPU target.
// An empty net is returned as ok=false; callers disable themselves instead of failing.
func loadNet(prefix, modelPath, configPath string) (gocv.Net, bool) {
	net := gocv.ReadNet(modelPath, configPath)
	if net.Empty() {
		log.Printf("%s: ERROR - ReadNet returned an empty network for %s", prefix, modelPath)
		return net, false
	}

	cudaBackendErr := net.SetPreferableBackend(gocv.NetBackendCUDA)
	cudaTargetErr := net.SetPreferableTarget(gocv.NetTargetCUDA)
	if cudaBackendErr == nil && cudaTargetErr == nil {
		log.Printf("%s: Set backend/target to CUDA", prefix)
		return net, true
	}
	if cudaBackendErr != nil {
		log.Printf("%s: CUDA Backend not available: %v. Using default backend.", prefix, cudaBackendErr)
	}
	if cudaTargetErr != nil {
		log.Printf("%s: CUDA Target not available: %v. Using default target.", prefix, cudaTargetErr)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)
	log.Printf("%s: Set backend/target to CPU (Default)", prefix)
	return net, true
}

// matFromImage converts a decoded image into an 8-bit 3-channel BGR Mat.
func matFromImage(img image.Image) (gocv.Mat, error) {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to convert image to mat: %w", err)
	}
	if mat.Empty() {
		mat.Close()
		return gocv.NewMat(), fmt.Errorf("converted mat is empty")
	}
	return mat, nil
}
