package core

// ServiceRegistry holds all domain services
type ServiceRegistry struct {
	Repository Repository
	Devices    *DeviceRegistry
	Readings   *ReadingStore
	Ingestion  *IngestionPipeline
	Hub        *Hub
	Liveness   *LivenessMonitor
}
