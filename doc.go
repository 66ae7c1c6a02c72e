/*
Package gatecam drives a face gated access control camera. It configures an image sensor,
gates the captured frames with a cascade face detector, classifies the confirmed frames with
a pre-trained model and switches the status LEDs and the authorization pin from the score of
the first label.

The package provides a command line interface. To check the supported commands type:

	$ gatecam --help

In case you wish to integrate the API in a self constructed environment here is a simple example:

	package main

	import (
		"context"
		"log"

		"github.com/esimov/gatecam"
		"github.com/esimov/gatecam/tflite"
	)

	func main() {
		loader := &gatecam.ModelLoader{
			Engine: &tflite.Engine{Threads: 2},
			Probe:  gatecam.SystemMemory{},
		}
		assets, err := gatecam.LoadAssets(loader, "trained.tflite", "labels.txt")
		if err != nil {
			log.Fatal(err)
		}
		defer assets.Close()

		p := gatecam.NewPipeline(gatecam.DefaultOptions())
		p.Sensor = gatecam.NewReplaySensor("frames")
		p.Classifier = assets.Model
		p.Labels = assets.Labels
		if p.Detector, err = gatecam.LoadPigoDetector(""); err != nil {
			log.Fatal(err)
		}

		ctx := context.Background()
		if err := p.ConfigureSensor(ctx); err != nil {
			log.Fatal(err)
		}
		if err := p.Run(ctx); err != nil {
			log.Fatal(err)
		}
	}
*/
package gatecam
