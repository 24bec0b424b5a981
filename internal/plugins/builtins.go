package plugins

// RegisterBuiltins adds every compiled-in plugin to the registry. This table
// replaces filesystem discovery: a plugin ships as part of the binary and
// announces itself here.
func RegisterBuiltins(r *Registry) {
	r.Register("TemperatureSensor", NewTemperatureSensor)
	r.Register("ElectricalMeter", NewElectricalMeter)
	r.Register("CameraPlugin", NewCameraPlugin)
	r.Register("DelayPlugin", NewDelayPlugin)
	r.Register("StatisticsProcessor", NewStatisticsProcessor)
	r.Register("ImageProcessor", NewImageProcessor)
}
