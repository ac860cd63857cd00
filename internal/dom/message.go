package dom

// OnMessage registers a sink for messages posted with PostMessage. It
// returns a function that removes the sink.
func (d *Document) OnMessage(fn func(msg any)) func() {
	d.nextSink++
	id := d.nextSink
	d.sinks[id] = fn
	return func() { delete(d.sinks, id) }
}

// PostMessage delivers msg to every sink in a later task, the way
// window.postMessage reaches embedding frames.
func (d *Document) PostMessage(msg any) {
	d.loop.Post(func() {
		for _, fn := range d.sinks {
			fn(msg)
		}
	})
}
